package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
)

type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Token    string `yaml:"-"`
	Channel  string `yaml:"channel"`
	MinScore int    `yaml:"min-score"`
}

// Notification is one suspicious domain worth telling a human about.
type Notification struct {
	Domain               string
	Score                int
	CertificateAuthority string
	Brands               []string
	URLScanResult        string
	VTPermalink          string
}

// Message renders the notification for chat. The domain is defanged so
// clients do not auto-link it.
func (n Notification) Message() string {
	var b strings.Builder
	b.WriteString(":warning: *New suspicious domain found:* ")
	b.WriteString(strings.ReplaceAll(n.Domain, ".", "[.]"))
	b.WriteString(fmt.Sprintf("\nScore: %d", n.Score))
	if n.CertificateAuthority != "" {
		b.WriteString("\nCertificate authority: " + n.CertificateAuthority)
	}
	if len(n.Brands) > 0 {
		b.WriteString("\nBrands: " + strings.Join(n.Brands, ", "))
	}
	if n.URLScanResult != "" {
		b.WriteString("\nurlscan: " + n.URLScanResult)
	}
	if n.VTPermalink != "" {
		b.WriteString("\nVirusTotal: " + n.VTPermalink)
	}
	return b.String()
}

// Dispatcher posts notifications to a slack channel. Notify drops
// notifications below the configured score threshold.
type Dispatcher struct {
	conf   Config
	client *slack.Client
}

func NewDispatcher(conf Config) *Dispatcher {
	d := &Dispatcher{conf: conf}
	if conf.Enabled {
		d.client = slack.New(conf.Token)
	}
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if !d.conf.Enabled || n.Score < d.conf.MinScore {
		return nil
	}
	_, _, err := d.client.PostMessageContext(ctx, d.conf.Channel,
		slack.MsgOptionText(n.Message(), false))
	return errors.Wrap(err, "post slack message")
}
