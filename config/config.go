package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

type WebConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

type DBConfig struct {
	Type   string `yaml:"type"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
	Passwd string `yaml:"passwd"`
	Debug  bool   `yaml:"debug"`
}

// TerminalConfig identifies this point-of-sale terminal instance. The pair
// (id, agent_id) keys the local outbox store.
type TerminalConfig struct {
	ID      string `yaml:"id"`
	AgentID string `yaml:"agent_id"`
}

type PaymentConfig struct {
	// SubscriptionDays is the fixed subscription period granted per
	// completed subscription payment.
	SubscriptionDays int `yaml:"subscription_days"`
	// CallbackSecret signs and verifies provider callback payloads.
	CallbackSecret string `yaml:"callback_secret"`
}

type SmtpConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Terminal TerminalConfig `yaml:"terminal"`
	Payment  PaymentConfig  `yaml:"payment"`
	Smtp     SmtpConfig     `yaml:"smtp"`
	Logger   LogConfig      `yaml:"logger"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "tillgrid",
		Location: "Asia/Jakarta",
		Workdir:  "/var/tillgrid",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1820,
		Secret: "9b6de5cc-tillgrid-1820-secret",
	},
	Database: DBConfig{
		Type:   "postgres",
		Host:   "127.0.0.1",
		Port:   5432,
		Name:   "tillgrid",
		User:   "postgres",
		Passwd: "",
	},
	Terminal: TerminalConfig{
		ID:      "till-01",
		AgentID: "agent-01",
	},
	Payment: PaymentConfig{
		SubscriptionDays: 30,
		CallbackSecret:   "",
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/tillgrid/tillgrid.log",
	},
}

func setEnvValue(name string, f func(v string)) {
	if v := os.Getenv(name); v != "" {
		f(v)
	}
}

func setEnvInt(name string, f func(v int)) {
	if v := os.Getenv(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			f(i)
		}
	}
}

func setEnvBool(name string, f func(v bool)) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f(b)
		}
	}
}

// LoadConfig reads the YAML config file and applies environment overrides.
// A missing file yields the defaults.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	setEnvValue("TILLGRID_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("TILLGRID_LOCATION", func(v string) { cfg.System.Location = v })
	setEnvBool("TILLGRID_DEBUG", func(v bool) { cfg.System.Debug = v })

	setEnvValue("TILLGRID_WEB_HOST", func(v string) { cfg.Web.Host = v })
	setEnvInt("TILLGRID_WEB_PORT", func(v int) { cfg.Web.Port = v })
	setEnvValue("TILLGRID_WEB_SECRET", func(v string) { cfg.Web.Secret = v })

	setEnvValue("TILLGRID_DB_TYPE", func(v string) { cfg.Database.Type = v })
	setEnvValue("TILLGRID_DB_HOST", func(v string) { cfg.Database.Host = v })
	setEnvInt("TILLGRID_DB_PORT", func(v int) { cfg.Database.Port = v })
	setEnvValue("TILLGRID_DB_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("TILLGRID_DB_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("TILLGRID_DB_PWD", func(v string) { cfg.Database.Passwd = v })

	setEnvValue("TILLGRID_TERMINAL_ID", func(v string) { cfg.Terminal.ID = v })
	setEnvValue("TILLGRID_AGENT_ID", func(v string) { cfg.Terminal.AgentID = v })

	setEnvInt("TILLGRID_SUBSCRIPTION_DAYS", func(v int) { cfg.Payment.SubscriptionDays = v })
	setEnvValue("TILLGRID_CALLBACK_SECRET", func(v string) { cfg.Payment.CallbackSecret = v })

	return cfg
}
