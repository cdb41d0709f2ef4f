package config

import "time"

// VLMConfig points at the upstream vision-language-model endpoint and
// shapes the relayed stream.
type VLMConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Throttle  time.Duration // cooperative delay between relayed chunks
	UploadDir string
}

func LoadVLMConfig() *VLMConfig {
	return &VLMConfig{
		BaseURL:   getEnv("VLM_BASE_URL", "https://api.openai.com/v1"),
		APIKey:    getEnv("VLM_API_KEY", ""),
		Model:     getEnv("VLM_MODEL", "gpt-4o-mini"),
		Throttle:  getEnvAsDuration("VLM_STREAM_THROTTLE", 10*time.Millisecond),
		UploadDir: getEnv("UPLOAD_DIR", "./static/uploads"),
	}
}
