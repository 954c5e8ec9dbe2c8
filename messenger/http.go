package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/lefinal/uptime-server/errors"
	"go.uber.org/zap"
)

// Config is the configuration for NewHTTPClient.
type Config struct {
	// BaseURL is the base URL of the bot API including the bot token, for
	// example https://api.example.org/bot<token>.
	BaseURL string
	// LongPollTimeoutSecs is the server-side timeout for update polling.
	LongPollTimeoutSecs int
}

// httpClient implements Client against a bot-style HTTP API.
type httpClient struct {
	logger *zap.Logger
	config Config
	hc     *http.Client
}

// NewHTTPClient creates a new Client that talks to a bot-style HTTP API.
func NewHTTPClient(logger *zap.Logger, config Config) Client {
	return &httpClient{
		logger: logger,
		config: config,
		hc:     cleanhttp.DefaultPooledClient(),
	}
}

// apiResponse is the generic response envelope of the bot API.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// wireUpdate is an update as found on the wire.
type wireUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

func (c *httpClient) Updates(ctx context.Context, offset int64) ([]Update, error) {
	url := fmt.Sprintf("%s/getUpdates?offset=%d&timeout=%d", c.config.BaseURL, offset,
		c.config.LongPollTimeoutSecs)
	result, err := c.call(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, errors.Wrap(err, "get updates", errors.Details{"offset": offset})
	}
	var wireUpdates []wireUpdate
	err = json.Unmarshal(result, &wireUpdates)
	if err != nil {
		return nil, errors.NewCommunicationErrorFromErr(err, "unmarshal updates", nil)
	}
	updates := make([]Update, 0, len(wireUpdates))
	for _, wu := range wireUpdates {
		updates = append(updates, Update{
			ID:     wu.UpdateID,
			ChatID: wu.Message.Chat.ID,
			Text:   wu.Message.Text,
		})
	}
	return updates, nil
}

func (c *httpClient) SendText(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "marshal send text request", nil)
	}
	_, err = c.call(ctx, http.MethodPost, c.config.BaseURL+"/sendMessage", "application/json",
		bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "send message", errors.Details{"chat_id": chatID})
	}
	return nil
}

func (c *httpClient) SendVoice(ctx context.Context, chatID int64, assetPath string) error {
	asset, err := os.Open(assetPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing asset is a no-op and not an error.
			c.logger.Debug("voice asset missing, skipping send", zap.String("asset", assetPath))
			return nil
		}
		return errors.NewInternalErrorFromErr(err, "open voice asset",
			errors.Details{"asset": assetPath})
	}
	defer func() { _ = asset.Close() }()
	// Build multipart body.
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	err = writer.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "write chat id field", nil)
	}
	part, err := writer.CreateFormFile("voice", filepath.Base(assetPath))
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "create voice form file", nil)
	}
	_, err = io.Copy(part, asset)
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "copy voice asset",
			errors.Details{"asset": assetPath})
	}
	err = writer.Close()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "close multipart writer", nil)
	}
	_, err = c.call(ctx, http.MethodPost, c.config.BaseURL+"/sendVoice", writer.FormDataContentType(),
		&body)
	if err != nil {
		return errors.Wrap(err, "send voice", errors.Details{"chat_id": chatID})
	}
	return nil
}

// call performs the HTTP request and unwraps the API response envelope.
func (c *httpClient) call(ctx context.Context, method string, url string, contentType string,
	body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.NewInternalErrorFromErr(err, "create request", nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.NewCommunicationErrorFromErr(err, "perform request", nil)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewCommunicationErrorFromErr(err, "read response body", nil)
	}
	var envelope apiResponse
	err = json.Unmarshal(respBody, &envelope)
	if err != nil {
		return nil, errors.NewCommunicationErrorFromErr(err, "unmarshal response",
			errors.Details{"status_code": resp.StatusCode})
	}
	if !envelope.OK {
		return nil, errors.Error{
			Code:    errors.ErrCommunication,
			Message: "api reported failure",
			Details: errors.Details{
				"status_code": resp.StatusCode,
				"description": envelope.Description,
			},
		}
	}
	return envelope.Result, nil
}
