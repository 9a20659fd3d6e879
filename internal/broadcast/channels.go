package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

const defaultRelayTimeout = 5 * time.Second

// LogChannel writes notices to the process log.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Publish(_ context.Context, n Notice) error {
	log.Printf("notify: project=%d event=%s status=%s %s", n.ProjectID, n.Event, n.Status, n.Message)
	return nil
}

// RelayChannel posts notices to a fixed endpoint from config.
type RelayChannel struct {
	URL    string
	Secret string
	client *http.Client
	filter eventFilter
}

func NewRelayChannel(cfg config.RelayConfig) *RelayChannel {
	timeout := defaultRelayTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &RelayChannel{
		URL:    cfg.URL,
		Secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		filter: newEventFilter(cfg.Events),
	}
}

// RelaysFromConfig builds one channel per enabled relay entry.
func RelaysFromConfig(relays []config.RelayConfig) []Channel {
	var out []Channel
	for _, relay := range relays {
		if relay.Enabled != nil && !*relay.Enabled {
			continue
		}
		if strings.TrimSpace(relay.URL) == "" {
			continue
		}
		out = append(out, NewRelayChannel(relay))
	}
	return out
}

func (c *RelayChannel) Name() string { return "relay " + c.URL }

func (c *RelayChannel) Publish(ctx context.Context, n Notice) error {
	if !c.filter.match(n.Event) {
		return nil
	}
	return post(ctx, c.client, c.URL, c.Secret, n)
}

// SubscriptionChannel posts notices to store-backed subscription URLs for
// the notice's project.
type SubscriptionChannel struct {
	Repo   repo.Repo
	Client *http.Client
}

func (c SubscriptionChannel) Name() string { return "subscriptions" }

func (c SubscriptionChannel) Publish(ctx context.Context, n Notice) error {
	subs, err := c.Repo.ListSubscriptions(ctx, n.ProjectID)
	if err != nil {
		return err
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: defaultRelayTimeout}
	}
	for _, sub := range subs {
		var events []string
		if sub.Events != nil {
			events = strings.Split(*sub.Events, ",")
		}
		if !newEventFilter(events).match(n.Event) {
			continue
		}
		if err := post(ctx, client, sub.URL, "", n); err != nil {
			log.Printf("broadcast: subscription %s: %v", sub.ID, err)
		}
	}
	return nil
}

func post(ctx context.Context, client *http.Client, url, secret string, n Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cofounder-Event", n.Event)
	req.Header.Set("X-Cofounder-Project", fmt.Sprintf("%d", n.ProjectID))
	if strings.TrimSpace(secret) != "" {
		req.Header.Set("X-Cofounder-Secret", secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
