package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/advprof/config"
	"github.com/use-agent/advprof/models"
	"github.com/ysmood/gson"
)

// snapshotTimeout bounds post-navigation text/HTML reads.
const snapshotTimeout = 15 * time.Second

// Rod implements Engine on a single headless Chromium process. Sessions map
// to dedicated incognito browser contexts, which lets each one carry its own
// proxy without restarting the browser.
type Rod struct {
	browser *rod.Browser
	cfg     config.BrowserConfig
	blocked map[proto.NetworkResourceType]struct{}
}

// configToProto maps human-readable config strings to Rod protocol resource types.
var configToProto = map[string]proto.NetworkResourceType{
	"Image":      proto.NetworkResourceTypeImage,
	"Stylesheet": proto.NetworkResourceTypeStylesheet,
	"Font":       proto.NetworkResourceTypeFont,
	"Media":      proto.NetworkResourceTypeMedia,
	"Script":     proto.NetworkResourceTypeScript,
}

// NewRod launches the browser process and connects to it.
func NewRod(cfg config.BrowserConfig) (*Rod, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewScrapeError(
			models.ErrCodeBrowserCrash,
			"failed to launch browser",
			err,
		)
	}
	slog.Info("browser launched", "controlURL", controlURL, "headless", cfg.Headless)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewScrapeError(
			models.ErrCodeBrowserCrash,
			"failed to connect to browser",
			err,
		)
	}

	blocked := make(map[proto.NetworkResourceType]struct{}, len(cfg.BlockedResourceTypes))
	for _, name := range cfg.BlockedResourceTypes {
		if rt, ok := configToProto[name]; ok {
			blocked[rt] = struct{}{}
		}
	}

	return &Rod{browser: browser, cfg: cfg, blocked: blocked}, nil
}

// Close kills the browser process. All open sessions die with it.
func (r *Rod) Close() error {
	slog.Info("engine shutting down: closing browser")
	return r.browser.Close()
}

// NewSession creates an incognito browser context carrying the candidate's
// proxy, opens one page in it, and applies the identity overrides before any
// navigation happens.
func (r *Rod) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, categorizeError(err, "session creation canceled")
	}

	bctx, err := proto.TargetCreateBrowserContext{
		ProxyServer: opts.ProxyServer,
	}.Call(r.browser)
	if err != nil {
		return nil, models.NewScrapeError(
			models.ErrCodeBrowserCrash,
			"failed to create browser context",
			err,
		)
	}

	page, err := r.browser.Page(proto.TargetCreateTarget{
		BrowserContextID: bctx.BrowserContextID,
	})
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: bctx.BrowserContextID}.Call(r.browser)
		return nil, models.NewScrapeError(
			models.ErrCodeBrowserCrash,
			"failed to open page in browser context",
			err,
		)
	}

	s := &rodSession{browser: r.browser, page: page, contextID: bctx.BrowserContextID}

	if err := s.applyIdentity(opts); err != nil {
		s.Close()
		return nil, err
	}
	s.router = s.mountHijack(r.blocked)

	return s, nil
}

type rodSession struct {
	browser   *rod.Browser
	page      *rod.Page
	contextID proto.BrowserBrowserContextID
	router    *rod.HijackRouter
}

// applyIdentity installs stealth JS and the locale/timezone/UA/viewport
// overrides. Stealth must go in before the first navigation or it never
// takes effect.
func (s *rodSession) applyIdentity(opts SessionOptions) error {
	if _, err := s.page.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}

	if opts.UserAgent != "" {
		if err := s.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: opts.UserAgent,
		}); err != nil {
			return models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to set user agent", err)
		}
	}

	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		if err := s.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.ViewportWidth,
			Height:            opts.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			return models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to set viewport", err)
		}
	}

	if opts.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: opts.Locale}).Call(s.page); err != nil {
			slog.Warn("locale override failed", "locale", opts.Locale, "error", err)
		}
	}
	if opts.TimezoneID != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: opts.TimezoneID}).Call(s.page); err != nil {
			slog.Warn("timezone override failed", "timezone", opts.TimezoneID, "error", err)
		}
	}

	if len(opts.ExtraHeaders) > 0 {
		headers := make(proto.NetworkHeaders, len(opts.ExtraHeaders))
		for k, v := range opts.ExtraHeaders {
			headers[k] = gson.New(v)
		}
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: headers}).Call(s.page); err != nil {
			slog.Warn("extra headers failed", "error", err)
		}
	}

	return nil
}

// mountHijack blocks the configured resource types for the session, cutting
// bandwidth through slow proxy paths. Returns nil when nothing is blocked.
func (s *rodSession) mountHijack(blocked map[proto.NetworkResourceType]struct{}) *rod.HijackRouter {
	if len(blocked) == 0 {
		return nil
	}

	router := s.page.HijackRequests()
	_ = router.Add("*", "", func(h *rod.Hijack) {
		if _, shouldBlock := blocked[h.Request.Type()]; shouldBlock {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// router.Run() blocks; it exits when router.Stop() is called.
	go router.Run()

	return router
}

// Navigate loads the URL and waits for the configured condition. The wait
// listener is registered before Navigate so no event is missed.
func (s *rodSession) Navigate(ctx context.Context, url, waitCondition string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := s.page.Context(ctx)

	var wait func()
	switch waitCondition {
	case "load":
		wait = p.WaitEvent(&proto.PageLoadEventFired{})
	case "domcontentloaded":
		wait = p.WaitEvent(&proto.PageDomContentEventFired{})
	}

	if err := p.Navigate(url); err != nil {
		return categorizeError(err, "navigation to target URL failed")
	}

	if wait != nil {
		wait()
	} else {
		// "networkidle": WaitRequestIdle conflicts with the hijack router's
		// Fetch domain on current Chromium, so settle for a stable DOM.
		if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
			slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return categorizeError(err, "navigation wait expired")
	}
	return nil
}

func (s *rodSession) VisibleText() (string, error) {
	p := s.page.Timeout(snapshotTimeout)
	body, err := p.Element("body")
	if err != nil {
		return "", categorizeError(err, "failed to locate page body")
	}
	text, err := body.Text()
	if err != nil {
		return "", categorizeError(err, "failed to read page text")
	}
	return text, nil
}

func (s *rodSession) HTML() (string, error) {
	html, err := s.page.Timeout(snapshotTimeout).HTML()
	if err != nil {
		return "", categorizeError(err, "failed to extract page HTML")
	}
	return html, nil
}

// Close releases the page and disposes the browser context. Safe to call on
// any exit path, including after a failed navigation.
func (s *rodSession) Close() error {
	if s.router != nil {
		_ = s.router.Stop()
	}
	err := s.page.Close()
	if dispErr := (proto.TargetDisposeBrowserContext{
		BrowserContextID: s.contextID,
	}).Call(s.browser); dispErr != nil && err == nil {
		err = dispErr
	}
	return err
}

// categorizeError wraps raw errors into typed ScrapeErrors so the orchestrator
// can distinguish timeouts from other navigation failures.
func categorizeError(err error, msg string) *models.ScrapeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewScrapeError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewScrapeError(models.ErrCodeTimeout, "operation canceled", err)
	default:
		return models.NewScrapeError(models.ErrCodeNavigation, msg, err)
	}
}
