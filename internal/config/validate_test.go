package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func hasError(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Severity == SeverityError && i.Field == field {
			return true
		}
	}
	return false
}

func TestValidateRequiresAtLeastOneSite(t *testing.T) {
	issues := Validate(&File{})
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site"))
}

func TestValidatePortWithoutDefaultSiteIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, StaticDir: "/tmp"},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site.default"))
}

func TestValidateOneDefaultPerPortIsSufficient(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/tmp"},
		{Name: "B", Hostname: "b.test", Port: 80, StaticDir: "/tmp"},
	}}
	issues := Validate(f)
	require.False(t, HasErrors(issues))
}

func TestValidateTwoDefaultsOnSamePortIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/tmp"},
		{Name: "B", Hostname: "b.test", Port: 80, Default: true, StaticDir: "/tmp"},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	found := false
	for _, i := range issues {
		if i.Severity == SeverityError && i.Field == "site[1:B].default" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidateDuplicateHostnameOnSamePortIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "shared.test", Port: 80, Default: true, StaticDir: "/tmp"},
		{Name: "B", Hostname: "shared.test", Port: 80, StaticDir: "/tmp"},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[1:B].hostname"))
}

func TestValidateSameHostnameOnDifferentPortsIsFine(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "shared.test", Port: 80, Default: true, StaticDir: "/tmp"},
		{Name: "B", Hostname: "shared.test", Port: 443, Default: true, StaticDir: "/tmp"},
	}}
	issues := Validate(f)
	require.False(t, HasErrors(issues))
}

func TestValidateProxyEnabledWithoutUpstreamsIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/tmp",
			Proxy: &Proxy{Enabled: true}},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[0:A].proxy.upstreams"))
}

func TestValidateUpstreamGroupWithNoEndpointsIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/tmp",
			Proxy: &Proxy{
				Enabled:   true,
				Upstreams: map[string][]Upstream{"backend": {}},
			}},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[0:A].proxy.upstreams.backend"))
}

func TestValidateRouteReferencingUnknownUpstreamIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/tmp",
			Proxy: &Proxy{
				Enabled:   true,
				Upstreams: map[string][]Upstream{"backend": {{URL: "http://127.0.0.1:9", Weight: 1}}},
				Routes:    []Route{{Path: "/", Upstream: "missing"}},
			}},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[0:A].proxy.routes[0].upstream"))
}

func TestValidateRouteMissingLeadingSlashIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/tmp",
			Proxy: &Proxy{
				Enabled:   true,
				Upstreams: map[string][]Upstream{"backend": {{URL: "http://127.0.0.1:9", Weight: 1}}},
				Routes:    []Route{{Path: "api", Upstream: "backend"}},
			}},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[0:A].proxy.routes[0].path"))
}

func TestValidateValidProxyConfigHasNoErrors(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/tmp",
			Proxy: &Proxy{
				Enabled:       true,
				Upstreams:     map[string][]Upstream{"backend": {{URL: "http://127.0.0.1:9", Weight: 1}}},
				Routes:        []Route{{Path: "/", Upstream: "backend"}},
				LoadBalancing: LoadBalancing{Method: MethodRoundRobin},
			}},
	}}
	issues := Validate(f)
	require.False(t, HasErrors(issues))
}

func TestValidateUnknownLoadBalancingMethodIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/tmp",
			Proxy: &Proxy{
				Enabled:       true,
				Upstreams:     map[string][]Upstream{"backend": {{URL: "http://127.0.0.1:9", Weight: 1}}},
				LoadBalancing: LoadBalancing{Method: "sticky"},
			}},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[0:A].proxy.load_balancing.method"))
}

func TestValidateMissingStaticDirIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: "/does/not/exist/anywhere"},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[0:A].static_dir"))
}

func TestValidateMissingIndexHTMLIsOnlyWarning(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 80, Default: true, StaticDir: t.TempDir()},
	}}
	issues := Validate(f)
	require.False(t, HasErrors(issues))
	found := false
	for _, i := range issues {
		if i.Severity == SeverityWarning && i.Field == "site[0:A].static_dir" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidateAutoCertWithoutEmailIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 443, Default: true, StaticDir: "/tmp",
			SSL: &SSL{Enabled: true, AutoCert: true}},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[0:A].ssl.acme.email"))
}

func TestValidateManualTLSWithMissingCertFilesIsError(t *testing.T) {
	f := &File{Sites: []Site{
		{Name: "A", Hostname: "a.test", Port: 443, Default: true, StaticDir: "/tmp",
			SSL: &SSL{Enabled: true, CertPath: "/does/not/exist.pem", KeyPath: "/does/not/exist.key"}},
	}}
	issues := Validate(f)
	require.True(t, HasErrors(issues))
	require.True(t, hasError(issues, "site[0:A].ssl.cert_path"))
	require.True(t, hasError(issues, "site[0:A].ssl.key_path"))
}
