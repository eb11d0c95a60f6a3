package interceptor

import "strings"

// baseAllowlist is the fixed set of environment variables every wrapped
// child process inherits regardless of policy, named exactly as §4.K's
// base allowlist. Entries ending in "*" match by prefix.
var baseAllowlist = []string{
	"HOME", "USER", "LOGNAME", "PATH", "SHELL", "TMPDIR", "TERM",
	"COLORTERM", "LANG", "LC_*", "XPC_FLAGS", "XPC_SERVICE_NAME",
	"__CF_USER_TEXT_ENCODING", "SHLVL", "NVM_DIR", "HOMEBREW_PREFIX",
	"HOMEBREW_CELLAR", "HOMEBREW_REPOSITORY", "SSH_AUTH_SOCK",
	"AGENSHIELD_*", "NODE_OPTIONS",
}

// ProxyVars are injected into the filtered environment after allowlist
// filtering, regardless of whether they were present in the parent
// process's environment.
type ProxyVars struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

func allowed(name string, extra []string) bool {
	for _, pattern := range append(append([]string{}, baseAllowlist...), extra...) {
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")) {
				return true
			}
			continue
		}
		if name == pattern {
			return true
		}
	}
	return false
}

// FilterEnv builds the environment a wrapped child process receives: the
// base allowlist plus any policy-specific extensions, filtered out of
// environ (typically os.Environ()), then proxy variables and injected
// secrets layered on top unconditionally -- proxy vars and secrets never
// need allowlisting, since they're AgenShield's own additions rather than
// something leaking from the parent's environment.
func FilterEnv(environ []string, extraAllow []string, proxy ProxyVars, secrets map[string]string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if allowed(name, extraAllow) {
			out = append(out, kv)
		}
	}

	if proxy.HTTPProxy != "" {
		out = append(out, "HTTP_PROXY="+proxy.HTTPProxy, "http_proxy="+proxy.HTTPProxy)
	}
	if proxy.HTTPSProxy != "" {
		out = append(out, "HTTPS_PROXY="+proxy.HTTPSProxy, "https_proxy="+proxy.HTTPSProxy)
	}
	if proxy.NoProxy != "" {
		out = append(out, "NO_PROXY="+proxy.NoProxy, "no_proxy="+proxy.NoProxy)
	}

	for k, v := range secrets {
		out = append(out, k+"="+v)
	}

	return out
}
