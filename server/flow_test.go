package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"oidcsession/internal/clock"
	"oidcsession/internal/devidp"
	"oidcsession/session"
)

const appOrigin = "http://app.example.com"

type testEnv struct {
	t       *testing.T
	clock   *clock.Manual
	idp     *devidp.Provider
	idpSrv  *httptest.Server
	browser *http.Client
	app     *App
	handler http.Handler
	jar     map[string]*http.Cookie
}

func newTestEnv(t *testing.T, idpCfg devidp.Config, mutate func(*Config), opts ...Option) *testEnv {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))

	idpCfg.Clock = clk
	idpCfg.Clients = []devidp.Client{{ID: "web", Secret: "s3cret", RedirectURIs: []string{appOrigin + "/callback"}}}
	if idpCfg.Email == "" {
		idpCfg.Email = "dev@example.com"
	}
	idp, err := devidp.New(idpCfg)
	if err != nil {
		t.Fatalf("devidp.New returned error: %v", err)
	}
	srv := httptest.NewTLSServer(idp.Handler())
	t.Cleanup(srv.Close)
	idp.SetIssuer(srv.URL)

	cfg := validTestConfig()
	cfg.Server.PublicURL = appOrigin
	cfg.Schemes[0].Domain = strings.TrimPrefix(srv.URL, "https://")
	if mutate != nil {
		mutate(&cfg)
	}

	opts = append([]Option{WithHTTPClient(srv.Client()), WithClock(clk)}, opts...)
	app, err := NewApp(context.Background(), cfg, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	browser := *srv.Client()
	browser.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	return &testEnv{
		t:       t,
		clock:   clk,
		idp:     idp,
		idpSrv:  srv,
		browser: &browser,
		app:     app,
		handler: app.Routes(),
		jar:     map[string]*http.Cookie{},
	}
}

// do sends a request to the app carrying the cookies collected so far.
func (e *testEnv) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	e.t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, appOrigin+target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, appOrigin+target, nil)
	}
	for _, c := range e.jar {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(e.jar, c.Name)
			continue
		}
		e.jar[c.Name] = c
	}
	return rec
}

// authorize follows an authorize redirect at the provider and returns the
// callback path with its query.
func (e *testEnv) authorize(location string) string {
	e.t.Helper()
	if !strings.HasPrefix(location, e.idpSrv.URL+"/authorize") {
		e.t.Fatalf("expected redirect to provider, got %q", location)
	}
	resp, err := e.browser.Get(location)
	if err != nil {
		e.t.Fatalf("authorize request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		e.t.Fatalf("authorize status %d", resp.StatusCode)
	}
	cb, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		e.t.Fatalf("parse callback: %v", err)
	}
	return cb.RequestURI()
}

func (e *testEnv) signIn(query string) *httptest.ResponseRecorder {
	e.t.Helper()
	rec := e.do(http.MethodGet, "/login?"+query, nil)
	if rec.Code != http.StatusFound {
		e.t.Fatalf("login status %d: %s", rec.Code, rec.Body.String())
	}
	return e.do(http.MethodGet, e.authorize(rec.Header().Get("Location")), nil)
}

func (e *testEnv) session() *session.Properties {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodGet, appOrigin+"/", nil)
	for _, c := range e.jar {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	st, err := e.app.Cookies.Load(context.Background(), req)
	if err != nil {
		e.t.Fatalf("load session: %v", err)
	}
	if st == nil {
		return nil
	}
	return st.Properties
}

func TestSignInCodeFlow(t *testing.T) {
	env := newTestEnv(t, devidp.Config{Name: "Dev User"}, nil)

	login := env.do(http.MethodGet, "/login?returnUrl=%2Fprofile", nil)
	if login.Code != http.StatusFound {
		t.Fatalf("login status %d", login.Code)
	}
	authURL, err := url.Parse(login.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	q := authURL.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("expected PKCE parameters, got %v", q)
	}
	if !strings.Contains(q.Get("scope"), "offline_access") || !strings.Contains(q.Get("scope"), "openid") {
		t.Fatalf("unexpected scope %q", q.Get("scope"))
	}
	if q.Get("redirect_uri") != appOrigin+"/callback" {
		t.Fatalf("unexpected redirect_uri %q", q.Get("redirect_uri"))
	}

	cb := env.do(http.MethodGet, env.authorize(login.Header().Get("Location")), nil)
	if cb.Code != http.StatusFound {
		t.Fatalf("callback status %d: %s", cb.Code, cb.Body.String())
	}
	if got := cb.Header().Get("Location"); got != "/profile" {
		t.Fatalf("expected redirect to /profile, got %q", got)
	}
	if _, ok := env.jar[correlationCookieName("primary")]; ok {
		t.Fatal("correlation cookie should be consumed")
	}

	props := env.session()
	if props == nil {
		t.Fatal("expected a session after sign-in")
	}
	if props.Scheme() != "primary" {
		t.Fatalf("expected scheme primary, got %q", props.Scheme())
	}
	for _, name := range []string{session.AccessToken, session.RefreshToken, session.IDToken} {
		if props.Token(name) == "" {
			t.Fatalf("expected %s in session", name)
		}
	}
	exp, ok := props.TokenExpiry()
	if !ok || !exp.Equal(env.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v (ok=%v)", exp, ok)
	}
	if props.RedirectURI() != "" {
		t.Fatal("return url should not be persisted in the session")
	}

	rec := env.do(http.MethodGet, "/profile", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status %d", rec.Code)
	}
	var profile profileResponse
	if err := json.NewDecoder(rec.Body).Decode(&profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.Subject != "dev-user" || profile.Email != "dev@example.com" || profile.Name != "Dev User" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if !profile.HasAccessToken || !profile.HasRefreshToken {
		t.Fatalf("expected tokens in profile %+v", profile)
	}
}

func TestRefreshNearExpiry(t *testing.T) {
	env := newTestEnv(t, devidp.Config{RotateRefreshTokens: true}, nil)
	env.signIn("")
	before := env.session()

	env.clock.Advance(30 * time.Minute)
	if rec := env.do(http.MethodGet, "/", nil); rec.Code != http.StatusOK {
		t.Fatalf("home status %d", rec.Code)
	}
	if env.idp.RefreshCount() != 0 {
		t.Fatalf("unexpected refresh with 30 minutes left")
	}

	env.clock.Advance(29*time.Minute + 30*time.Second)
	if rec := env.do(http.MethodGet, "/", nil); rec.Code != http.StatusOK {
		t.Fatalf("home status %d", rec.Code)
	}
	if env.idp.RefreshCount() != 1 {
		t.Fatalf("expected one refresh, got %d", env.idp.RefreshCount())
	}

	after := env.session()
	if after.Token(session.AccessToken) == before.Token(session.AccessToken) {
		t.Fatal("access token was not replaced")
	}
	if rt := after.Token(session.RefreshToken); rt == "" || rt == before.Token(session.RefreshToken) {
		t.Fatalf("expected rotated refresh token, got %q", rt)
	}
	exp, _ := after.TokenExpiry()
	if !exp.Equal(env.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry after refresh: %v", exp)
	}

	env.do(http.MethodGet, "/", nil)
	if env.idp.RefreshCount() != 1 {
		t.Fatalf("fresh token must not be refreshed again, got %d grants", env.idp.RefreshCount())
	}
}

func TestRefreshWithoutRotationClearsRefreshToken(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)
	env.signIn("")

	env.clock.Advance(time.Hour)
	env.do(http.MethodGet, "/", nil)

	props := env.session()
	if props.Token(session.RefreshToken) != "" {
		t.Fatal("refresh token should be cleared when the response carries none")
	}
	if props.Token(session.AccessToken) == "" {
		t.Fatal("expected a new access token")
	}
}

func TestRefreshFailureKeepsSession(t *testing.T) {
	env := newTestEnv(t, devidp.Config{RotateRefreshTokens: true}, nil)
	env.signIn("")
	before := env.session()

	env.idp.FailRefresh(true)
	env.clock.Advance(2 * time.Hour)
	rec := env.do(http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("home status %d", rec.Code)
	}
	var home map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&home); err != nil {
		t.Fatalf("decode home: %v", err)
	}
	if home["authenticated"] != true {
		t.Fatalf("session should survive a failed refresh: %v", home)
	}

	after := env.session()
	if after.Token(session.RefreshToken) != "" {
		t.Fatal("refresh token should be removed after a failed refresh")
	}
	if after.Token(session.AccessToken) != before.Token(session.AccessToken) {
		t.Fatal("access token should be left untouched")
	}
}

func TestMissingRefreshTokenRestartsSignIn(t *testing.T) {
	restart := session.AccessTokenEvents{
		OnMissingRefreshToken: func(ctx context.Context, vc *session.ValidateContext) error {
			if err := vc.Auth.SignOut(vc.Writer, vc.Request, ""); err != nil {
				return err
			}
			if err := vc.Auth.Challenge(vc.Writer, vc.Request, "primary", nil); err != nil {
				return err
			}
			vc.HandleResponse()
			return nil
		},
	}
	env := newTestEnv(t, devidp.Config{}, nil, WithAccessTokenEvents("primary", restart))
	env.signIn("")

	env.idp.FailRefresh(true)
	env.clock.Advance(2 * time.Hour)
	env.do(http.MethodGet, "/", nil)

	rec := env.do(http.MethodGet, "/", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected challenge redirect, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Location"), env.idpSrv.URL+"/authorize") {
		t.Fatalf("unexpected location %q", rec.Header().Get("Location"))
	}
	if _, ok := env.jar[env.app.Cookies.Name()]; ok {
		t.Fatal("session cookie should be cleared")
	}
	if _, ok := env.jar[correlationCookieName("primary")]; !ok {
		t.Fatal("expected a correlation cookie for the new challenge")
	}
}

func TestLogoutRedirectsToProvider(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)
	env.signIn("")

	rec := env.do(http.MethodGet, "/logout?returnUrl=%2Fbye", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("logout status %d", rec.Code)
	}
	want := env.idpSrv.URL + "/v1/logout?client_id=web&return_to=" + url.QueryEscape(appOrigin+"/bye")
	if got := rec.Header().Get("Location"); got != want {
		t.Fatalf("logout location\n got: %s\nwant: %s", got, want)
	}
	if env.session() != nil {
		t.Fatal("session should be cleared")
	}

	resp, err := env.browser.Get(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("provider logout: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Location"); got != appOrigin+"/bye" {
		t.Fatalf("provider should return to the app, got %q", got)
	}
}

func TestOrganizationMismatchRejected(t *testing.T) {
	env := newTestEnv(t, devidp.Config{Organization: "org_b"}, func(cfg *Config) {
		cfg.Schemes[0].Organization = "org_a"
	})

	rec := env.signIn("")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "org_a") {
		t.Fatalf("expected organization in error, got %q", rec.Body.String())
	}
	if env.session() != nil {
		t.Fatal("no session should be issued")
	}
}

func TestOrganizationFromLoginRequest(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)

	login := env.do(http.MethodGet, "/login?organization=org_c&invitation=inv-1", nil)
	loc, _ := url.Parse(login.Header().Get("Location"))
	if loc.Query().Get("organization") != "org_c" || loc.Query().Get("invitation") != "inv-1" {
		t.Fatalf("expected organization and invitation on authorize, got %v", loc.Query())
	}
	cb := env.do(http.MethodGet, env.authorize(loc.String()), nil)
	if cb.Code != http.StatusFound {
		t.Fatalf("callback status %d: %s", cb.Code, cb.Body.String())
	}
	if org, _ := env.session().Get(session.OrganizationParameter); org != "org_c" {
		t.Fatalf("expected organization in session, got %q", org)
	}
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)
	login := env.do(http.MethodGet, "/login", nil)
	cb, _ := url.Parse(env.authorize(login.Header().Get("Location")))
	q := cb.Query()
	q.Set("state", "forged")
	cb.RawQuery = q.Encode()

	rec := env.do(http.MethodGet, cb.String(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.session() != nil {
		t.Fatal("no session should be issued")
	}
}

func TestCallbackWithoutCorrelation(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)
	rec := env.do(http.MethodGet, "/callback?code=abc&state=xyz", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCallbackAccessDenied(t *testing.T) {
	var described string
	ev := OIDCEvents{
		OnAccessDenied: func(ctx context.Context, ad *AccessDeniedContext) error {
			described = ad.Description
			http.Redirect(ad.Writer, ad.Request, "/denied", http.StatusFound)
			ad.HandleResponse()
			return nil
		},
	}
	env := newTestEnv(t, devidp.Config{}, nil, WithOIDCEvents("primary", ev))
	login := env.do(http.MethodGet, "/login", nil)
	loc, _ := url.Parse(login.Header().Get("Location"))
	state := loc.Query().Get("state")

	rec := env.do(http.MethodGet, "/callback?error=access_denied&error_description=nope&state="+state, nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/denied" {
		t.Fatalf("expected handler redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if described != "nope" {
		t.Fatalf("unexpected description %q", described)
	}
}

func TestUserRedirectHookAddsParameters(t *testing.T) {
	ev := OIDCEvents{
		OnRedirectToIdentityProvider: func(ctx context.Context, rc *RedirectContext) error {
			rc.Parameters.Set("ui_locales", "fr")
			return nil
		},
	}
	env := newTestEnv(t, devidp.Config{}, func(cfg *Config) {
		cfg.Schemes[0].LoginParameters = map[string]string{"screen_hint": "signup"}
	}, WithOIDCEvents("primary", ev))

	login := env.do(http.MethodGet, "/login", nil)
	loc, _ := url.Parse(login.Header().Get("Location"))
	if loc.Query().Get("ui_locales") != "fr" || loc.Query().Get("screen_hint") != "signup" {
		t.Fatalf("unexpected authorize parameters %v", loc.Query())
	}
}

func TestSignInWithRedisTicketStore(t *testing.T) {
	store, mr := newMiniredisStore(t)
	env := newTestEnv(t, devidp.Config{RotateRefreshTokens: true}, nil, WithTicketStore(store))
	env.signIn("")

	keys := mr.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "test:") {
		t.Fatalf("expected one ticket, got %v", keys)
	}
	if env.session().Token(session.RefreshToken) == "" {
		t.Fatal("expected tokens in the stored ticket")
	}

	env.clock.Advance(time.Hour)
	env.do(http.MethodGet, "/", nil)
	if got := mr.Keys(); len(got) != 1 || got[0] != keys[0] {
		t.Fatalf("refresh should update the ticket in place, got %v", got)
	}

	env.do(http.MethodGet, "/logout", nil)
	if got := mr.Keys(); len(got) != 0 {
		t.Fatalf("logout should remove the ticket, got %v", got)
	}
}

func TestLoginUnknownScheme(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)
	if rec := env.do(http.MethodGet, "/login?scheme=nope", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProfileRequiresSession(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)
	rec := env.do(http.MethodGet, "/profile", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/login?returnUrl=%2Fprofile" {
		t.Fatalf("unexpected location %q", got)
	}
}

func TestTamperedSessionCookieIsDropped(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)
	env.jar[env.app.Cookies.Name()] = &http.Cookie{Name: env.app.Cookies.Name(), Value: "garbage"}

	rec := env.do(http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("home status %d", rec.Code)
	}
	if _, ok := env.jar[env.app.Cookies.Name()]; ok {
		t.Fatal("invalid cookie should be cleared")
	}
}

func TestHealthz(t *testing.T) {
	store, mr := newMiniredisStore(t)
	env := newTestEnv(t, devidp.Config{}, nil, WithTicketStore(store))
	if rec := env.do(http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	mr.Close()
	if rec := env.do(http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSignInIgnoresOffsiteReturnURL(t *testing.T) {
	cases := map[string]string{
		"tab":          "/\t/evil.example/x",
		"newline":      "/\n/evil.example",
		"network path": "//evil.example",
		"other origin": "https://evil.example/",
	}
	for name, returnURL := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, devidp.Config{}, nil)
			cb := env.signIn("returnUrl=" + url.QueryEscape(returnURL))
			if cb.Code != http.StatusFound {
				t.Fatalf("callback status %d: %s", cb.Code, cb.Body.String())
			}
			if got := cb.Header().Get("Location"); got != "/" {
				t.Fatalf("expected redirect to /, got %q", got)
			}
		})
	}
}

func TestLoginFailsWithoutEntropy(t *testing.T) {
	env := newTestEnv(t, devidp.Config{}, nil)
	orig := randReader
	randReader = iotest.ErrReader(errors.New("entropy unavailable"))
	t.Cleanup(func() { randReader = orig })

	rec := env.do(http.MethodGet, "/login", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Fatalf("no provider redirect expected, got %q", loc)
	}
	if _, ok := env.jar[correlationCookieName("primary")]; ok {
		t.Fatal("correlation cookie must not be issued")
	}
}
