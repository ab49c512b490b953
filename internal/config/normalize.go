package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSMTP()
	if err := c.normalizeSources(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeSMTP() {
	c.SMTP.Host = strings.TrimSpace(c.SMTP.Host)
	c.SMTP.Username = strings.TrimSpace(c.SMTP.Username)
	c.SMTP.From = strings.TrimSpace(c.SMTP.From)
	c.SMTP.To = strings.TrimSpace(c.SMTP.To)
	if c.SMTP.Password == "" {
		if value, ok := os.LookupEnv("PARCEL_SMTP_PASSWORD"); ok {
			c.SMTP.Password = value
		}
	}
	if c.SMTP.Port <= 0 {
		c.SMTP.Port = defaultSMTPPort
	}
	c.SMTP.Auth = strings.ToLower(strings.TrimSpace(c.SMTP.Auth))
	if c.SMTP.Auth == "" {
		c.SMTP.Auth = defaultSMTPAuth
	}
	c.SMTP.TLSPolicy = strings.ToLower(strings.TrimSpace(c.SMTP.TLSPolicy))
	if c.SMTP.TLSPolicy == "" {
		c.SMTP.TLSPolicy = defaultSMTPTLSPolicy
	}
	if c.SMTP.TimeoutSeconds <= 0 {
		c.SMTP.TimeoutSeconds = defaultSMTPTimeoutSeconds
	}
}

func (c *Config) normalizeSources() error {
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Name = strings.TrimSpace(src.Name)
		src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
		if src.Kind == "" {
			src.Kind = SourceKindInbox
		}
		src.Period = strings.ToLower(strings.TrimSpace(src.Period))
		if src.Period == "" {
			src.Period = "day"
		}
		src.Schedule = strings.Join(strings.Fields(src.Schedule), " ")
		if src.Schedule == "" {
			src.Schedule = defaultInboxSchedule
		}
		if src.PackageLag == nil {
			src.PackageLag = new(defaultPackageLag)
		}
		if strings.TrimSpace(src.Subject) == "" {
			src.Subject = defaultSubject
		}
		if src.Root != "" {
			root, err := expandPath(src.Root)
			if err != nil {
				return fmt.Errorf("sources[%s].root: %w", src.Name, err)
			}
			src.Root = root
		}
		categories := make([]string, 0, len(src.Categories))
		seen := make(map[string]struct{}, len(src.Categories))
		for _, category := range src.Categories {
			category = strings.TrimSpace(category)
			if category == "" {
				continue
			}
			if _, dup := seen[category]; dup {
				continue
			}
			seen[category] = struct{}{}
			categories = append(categories, category)
		}
		src.Categories = categories
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
