package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"parcel/internal/cron"
	"parcel/internal/period"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateArchive(); err != nil {
		return err
	}
	if err := c.validateDelivery(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateSMTPShape(); err != nil {
		return err
	}
	return nil
}

// ValidateDispatch ensures the mail relay is fully configured. Commands that
// send mail call it in addition to Validate; dry runs skip it.
func (c *Config) ValidateDispatch() error {
	if c.Delivery.DryRun {
		return nil
	}
	if c.SMTP.Host == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/parcel/config.toml"
		}
		return fmt.Errorf("smtp.host is required. Edit %s (create with 'parcel config init') or set delivery.dry_run", defaultPath)
	}
	if c.SMTP.From == "" {
		return errors.New("smtp.from must be set")
	}
	if c.SMTP.To == "" {
		return errors.New("smtp.to must be set")
	}
	if _, err := mail.ParseAddress(c.SMTP.From); err != nil {
		return fmt.Errorf("smtp.from: %w", err)
	}
	if _, err := mail.ParseAddress(c.SMTP.To); err != nil {
		return fmt.Errorf("smtp.to: %w", err)
	}
	return nil
}

func (c *Config) validateArchive() error {
	if c.Archive.MaxPartBytes <= 0 {
		return errors.New("archive.max_part_bytes must be positive")
	}
	return nil
}

func (c *Config) validateDelivery() error {
	if c.Delivery.BaseOffsetMinutes < 0 {
		return errors.New("delivery.base_offset_minutes must be >= 0")
	}
	if c.Delivery.JitterLow < 0 {
		return errors.New("delivery.jitter_low must be >= 0")
	}
	if c.Delivery.JitterLow > c.Delivery.JitterHigh {
		return errors.New("delivery.jitter_low must not exceed delivery.jitter_high")
	}
	if c.Retention.LagPeriods < 1 {
		return errors.New("retention.lag_periods must be >= 1")
	}
	return nil
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return errors.New("at least one [[sources]] entry is required")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return errors.New("sources.name must be set")
		}
		if strings.ContainsAny(src.Name, `/\ `) {
			return fmt.Errorf("sources[%s].name must not contain spaces or path separators", src.Name)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%s] is declared more than once", src.Name)
		}
		seen[src.Name] = struct{}{}

		switch src.Kind {
		case SourceKindInbox:
		case SourceKindTree:
			if src.Root == "" {
				return fmt.Errorf("sources[%s].root must be set for tree sources", src.Name)
			}
		default:
			return fmt.Errorf("sources[%s].kind: unsupported value %q", src.Name, src.Kind)
		}
		if _, err := period.ParseGranularity(src.Period); err != nil {
			return fmt.Errorf("sources[%s].period: %w", src.Name, err)
		}
		if _, err := cron.Parse(src.Schedule); err != nil {
			return fmt.Errorf("sources[%s].schedule: %w", src.Name, err)
		}
		lag := src.Lag()
		if lag < 0 {
			return fmt.Errorf("sources[%s].package_lag must be >= 0", src.Name)
		}
		if lag == 0 && src.Reclaimed() {
			return fmt.Errorf("sources[%s].package_lag must be >= 1 when its capture data is reclaimed; the current period is still being written", src.Name)
		}
	}
	return nil
}

func (c *Config) validateSMTPShape() error {
	switch c.SMTP.TLSPolicy {
	case "mandatory", "opportunistic", "none", "ssl":
	default:
		return fmt.Errorf("smtp.tls_policy: unsupported value %q", c.SMTP.TLSPolicy)
	}
	switch c.SMTP.Auth {
	case "plain", "login", "none":
	default:
		return fmt.Errorf("smtp.auth: unsupported value %q", c.SMTP.Auth)
	}
	if c.SMTP.Port > 65535 {
		return errors.New("smtp.port must be a valid TCP port")
	}
	return nil
}
