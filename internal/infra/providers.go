package infra

import (
	"os"
	"strings"
)

// providerEnv ENV-переменные с ключами, если в конфиге ключа нет.
var providerEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"groq":       "GROQ_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"xai":        "XAI_API_KEY",
}

// Credentials отдает ключ провайдера: сначала конфиг, потом ENV.
type Credentials struct {
	keys   map[string]string
	lookup func(string) (string, bool)
}

func NewCredentials(keys map[string]string) *Credentials {
	norm := make(map[string]string, len(keys))
	for k, v := range keys {
		norm[strings.ToLower(k)] = v
	}
	return &Credentials{keys: norm, lookup: os.LookupEnv}
}

// APIKey возвращает ключ и false, если провайдер не настроен.
func (c *Credentials) APIKey(provider string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(provider))
	if key := strings.TrimSpace(c.keys[p]); key != "" {
		return key, true
	}
	if key, ok := c.lookup(EnvName(p)); ok && strings.TrimSpace(key) != "" {
		return strings.TrimSpace(key), true
	}
	return "", false
}

// EnvName имя ENV-переменной оркестратора с ключом провайдера.
func EnvName(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if env, ok := providerEnv[p]; ok {
		return env
	}
	return strings.ToUpper(p) + "_API_KEY"
}
