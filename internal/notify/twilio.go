package notify

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// DefaultTwilioURL is the Twilio REST base.
const DefaultTwilioURL = "https://api.twilio.com"

// TwilioConfig configures the SMS and voice channels.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
	BaseURL    string
	Timeout    time.Duration
}

func (c TwilioConfig) valid() error {
	if c.AccountSID == "" || c.AuthToken == "" || c.From == "" || c.To == "" {
		return fmt.Errorf("notify: twilio account sid, auth token, from and to are required")
	}
	return nil
}

type twilioAPI struct {
	cfg    TwilioConfig
	client *http.Client
}

func newTwilioAPI(cfg TwilioConfig) (*twilioAPI, error) {
	if err := cfg.valid(); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &twilioAPI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// post sends a form to /2010-04-01/Accounts/{sid}/{resource}.
func (a *twilioAPI) post(ctx context.Context, resource string, form url.Values) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/%s", a.cfg.BaseURL, url.PathEscape(a.cfg.AccountSID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var te twilioError
		if json.Unmarshal(raw, &te) == nil && te.Message != "" {
			return fmt.Errorf("status %d: %s (code %d)", resp.StatusCode, te.Message, te.Code)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SMS texts critical alerts to the on-call number.
type SMS struct {
	api *twilioAPI
}

// NewSMS creates the SMS channel.
func NewSMS(cfg TwilioConfig) (*SMS, error) {
	api, err := newTwilioAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &SMS{api: api}, nil
}

func (s *SMS) Name() string { return "sms" }

func (s *SMS) Accepts(sev models.Severity) bool { return sev == models.SeverityCritical }

func (s *SMS) Send(ctx context.Context, ev models.AlertEvent) error {
	form := url.Values{}
	form.Set("To", s.api.cfg.To)
	form.Set("From", s.api.cfg.From)
	form.Set("Body", FormatShort(ev))
	if err := s.api.post(ctx, "Messages.json", form); err != nil {
		return fmt.Errorf("notify: sms: %w", err)
	}
	return nil
}

// Voice places a call that reads critical alerts aloud.
type Voice struct {
	api *twilioAPI
}

// NewVoice creates the voice channel.
func NewVoice(cfg TwilioConfig) (*Voice, error) {
	api, err := newTwilioAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &Voice{api: api}, nil
}

func (v *Voice) Name() string { return "voice" }

func (v *Voice) Accepts(sev models.Severity) bool { return sev == models.SeverityCritical }

func (v *Voice) Send(ctx context.Context, ev models.AlertEvent) error {
	twiml, err := sayTwiML(FormatShort(ev))
	if err != nil {
		return fmt.Errorf("notify: voice: %w", err)
	}
	form := url.Values{}
	form.Set("To", v.api.cfg.To)
	form.Set("From", v.api.cfg.From)
	form.Set("Twiml", twiml)
	if err := v.api.post(ctx, "Calls.json", form); err != nil {
		return fmt.Errorf("notify: voice: %w", err)
	}
	return nil
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     string   `xml:"Say"`
}

func sayTwiML(text string) (string, error) {
	out, err := xml.Marshal(twimlResponse{Say: text})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
