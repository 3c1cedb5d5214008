package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const telegramBaseURL = "https://api.telegram.org"

// TelegramMessenger talks to the Telegram Bot API: sendMessage with an
// inline Place/Ignore keyboard outbound, getUpdates long polling inbound.
type TelegramMessenger struct {
	token   string
	baseURL string
	client  *http.Client
	offset  int64
}

// Compile-time interface compliance check
var _ Messenger = (*TelegramMessenger)(nil)

// NewTelegramMessenger creates a Telegram messenger
func NewTelegramMessenger(token string, timeout time.Duration) *TelegramMessenger {
	return &TelegramMessenger{
		token:   token,
		baseURL: telegramBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// SendSignal delivers one notification with the Place/Ignore keyboard
func (t *TelegramMessenger) SendSignal(ctx context.Context, chatID, text string, signalID uuid.UUID) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
		"reply_markup": map[string]interface{}{
			"inline_keyboard": [][]inlineButton{{
				{Text: "✅ Place Trade", CallbackData: "place:" + signalID.String()},
				{Text: "❌ Ignore", CallbackData: "ignore:" + signalID.String()},
			}},
		},
	}
	return t.call(ctx, "sendMessage", payload, nil)
}

type telegramUpdate struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// Listen long-polls getUpdates and forwards decision callbacks
func (t *TelegramMessenger) Listen(ctx context.Context, handle func(Callback)) error {
	log.Println("📡 Telegram callback listener started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("⚠️  Telegram getUpdates failed: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= t.offset {
				t.offset = update.UpdateID + 1
			}

			cq := update.CallbackQuery
			if cq == nil || cq.Message == nil {
				continue
			}

			callback, ok := parseCallbackData(cq.Data)
			if !ok {
				continue
			}
			callback.ChatID = strconv.FormatInt(cq.Message.Chat.ID, 10)

			// Ack so the client stops showing a spinner
			_ = t.call(ctx, "answerCallbackQuery", map[string]interface{}{"callback_query_id": cq.ID}, nil)

			handle(callback)
		}
	}
}

func parseCallbackData(data string) (Callback, bool) {
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return Callback{}, false
	}

	var action string
	switch parts[0] {
	case "place":
		action = ActionPlaced
	case "ignore":
		action = ActionIgnored
	default:
		return Callback{}, false
	}

	signalID, err := uuid.Parse(parts[1])
	if err != nil {
		return Callback{}, false
	}
	return Callback{SignalID: signalID, Action: action}, true
}

func (t *TelegramMessenger) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	var result struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}

	params := url.Values{}
	params.Set("timeout", "25")
	params.Set("offset", strconv.FormatInt(t.offset, 10))
	params.Set("allowed_updates", `["callback_query"]`)

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", t.baseURL, t.token, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	// Long poll needs more headroom than the send timeout
	client := &http.Client{Timeout: 35 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram getUpdates returned not ok")
	}
	return result.Result, nil
}

// call performs one Bot API method call and classifies failures
func (t *TelegramMessenger) call(ctx context.Context, method string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest && method == "sendMessage":
		// 403: user blocked the bot. 400 on send: chat not found.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: telegram status %d: %s", ErrRecipientGone, resp.StatusCode, string(raw))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: telegram status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("telegram %s failed with status %d", method, resp.StatusCode)
	}

	if dest != nil {
		return json.NewDecoder(resp.Body).Decode(dest)
	}
	return nil
}
