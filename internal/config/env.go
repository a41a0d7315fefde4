package config

import (
	"os"
	"strings"
)

// expandSecrets resolves ${VAR} references in the secret fields. Other
// fields are taken literally.
func expandSecrets(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg.Telegram.Token = expandRefs(cfg.Telegram.Token, lookup)
	cfg.Discord.Token = expandRefs(cfg.Discord.Token, lookup)
	cfg.HTTP.JWTSecret = expandRefs(cfg.HTTP.JWTSecret, lookup)
	if cfg.Storage != nil {
		cfg.Storage.DSN = expandRefs(cfg.Storage.DSN, lookup)
	}
}

// expandRefs replaces ${NAME} with its value (empty when unset). A bare $NAME
// is left alone since DSNs and tokens may contain '$'.
func expandRefs(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		v, _ := lookup(s[i+2 : i+2+j])
		b.WriteString(v)
		s = s[i+2+j+1:]
	}
	return b.String()
}
