package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/wikigate/veribot/internal/event"
)

const apiEndpoint = "https://api.telegram.org"

// allowedUpdates filters getUpdates to the three kinds the daemon handles.
// chat_member updates are only delivered when requested explicitly.
var allowedUpdates = []string{"message", "chat_member", "my_chat_member"}

// Source pulls ordered batches from the update stream starting after a
// durable cursor. It issues the getUpdates long-poll itself rather than
// going through the bot library's listener, which keeps offset tracking in
// the durable cursor instead of in library-internal state.
type Source struct {
	token          string
	endpoint       string
	httpClient     *http.Client
	timeoutSeconds int
	limit          int
	logger         *slog.Logger
}

// NewSource creates an event source sharing the client's credentials.
// timeoutSeconds bounds the server-side long-poll wait; limit caps the
// batch size.
func NewSource(client *Client, timeoutSeconds, limit int, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		token:    client.token,
		endpoint: apiEndpoint,
		// The HTTP timeout must outlast the server-side long-poll wait.
		httpClient:     &http.Client{Timeout: time.Duration(timeoutSeconds+10) * time.Second},
		timeoutSeconds: timeoutSeconds,
		limit:          limit,
		logger:         logger.With("component", "source"),
	}
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset"`
	Limit          int      `json:"limit,omitempty"`
	Timeout        int      `json:"timeout,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type getUpdatesResponse struct {
	OK          bool             `json:"ok"`
	Result      []*models.Update `json:"result"`
	ErrorCode   int              `json:"error_code,omitempty"`
	Description string           `json:"description,omitempty"`
}

// Fetch long-polls for updates with sequence numbers above cursor and
// decodes them into events, preserving stream order. It also returns the
// highest raw update id seen, so the caller can advance the cursor past
// updates the decoder skipped; otherwise a pending undecodable update
// would be re-requested forever. An empty result after the wait elapses is
// a normal outcome. A transport or API failure is returned as an error;
// the caller should wait briefly and retry, since this is recoverable.
func (s *Source) Fetch(ctx context.Context, cursor int64) ([]event.Event, int64, error) {
	body, err := json.Marshal(getUpdatesRequest{
		Offset:         cursor + 1,
		Limit:          s.limit,
		Timeout:        s.timeoutSeconds,
		AllowedUpdates: allowedUpdates,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal getUpdates request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/getUpdates", s.endpoint, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create getUpdates request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("getUpdates failed at cursor %d: %w", cursor, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read getUpdates response: %w", err)
	}

	var parsed getUpdatesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, 0, fmt.Errorf("failed to parse getUpdates response: %w", err)
	}
	if !parsed.OK {
		return nil, 0, fmt.Errorf("getUpdates API error at cursor %d: %d %s", cursor, parsed.ErrorCode, parsed.Description)
	}

	var maxID int64
	events := make([]event.Event, 0, len(parsed.Result))
	for _, u := range parsed.Result {
		if u == nil {
			continue
		}
		if u.ID > maxID {
			maxID = u.ID
		}
		ev, ok := event.FromUpdate(u)
		if !ok {
			s.logger.DebugContext(ctx, "Skipping update with no handled payload", "update_id", u.ID)
			continue
		}
		events = append(events, ev)
	}

	s.logger.DebugContext(ctx, "Fetched update batch",
		"cursor", cursor, "updates", len(parsed.Result), "events", len(events), "max_update_id", maxID)
	return events, maxID, nil
}
