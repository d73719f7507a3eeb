package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBaseURL("TESTTOKEN", srv.URL)
}

func TestSendMediaGroup(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": []map[string]any{{"message_id": 42}, {"message_id": 43}},
		})
	})

	id, err := c.SendMediaGroup(context.Background(), "@carscout",
		[]string{"http://img/1.jpg", "http://img/2.jpg"}, "BMW 320d, 15 900 lv")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != 42 {
		t.Fatalf("message id = %d, want 42", id)
	}
	if gotPath != "/botTESTTOKEN/sendMediaGroup" {
		t.Fatalf("path = %s", gotPath)
	}
	media := gotBody["media"].([]any)
	if len(media) != 2 {
		t.Fatalf("media len = %d", len(media))
	}
	first := media[0].(map[string]any)
	if first["caption"] != "BMW 320d, 15 900 lv" {
		t.Fatalf("caption on first item = %v", first["caption"])
	}
}

func TestSendMediaGroupTruncatesToFive(t *testing.T) {
	var mediaLen int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mediaLen = len(body["media"].([]any))
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": []map[string]any{{"message_id": 1}},
		})
	})

	images := make([]string, 8)
	for i := range images {
		images[i] = "http://img/x.jpg"
	}
	if _, err := c.SendMediaGroup(context.Background(), "@c", images, "cap"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if mediaLen != 5 {
		t.Fatalf("media len = %d, want 5", mediaLen)
	}
}

func TestSendMediaGroupNoImagesFallsBackToText(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 7},
		})
	})
	id, err := c.SendMediaGroup(context.Background(), "@c", nil, "text only")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != 7 {
		t.Fatalf("id = %d", id)
	}
	if gotPath != "/botTESTTOKEN/sendMessage" {
		t.Fatalf("path = %s", gotPath)
	}
}

func TestEditMessageCaption(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
	})
	err := c.EditMessageCaption(context.Background(), "@c", 42, "price drop")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if gotBody["message_id"].(float64) != 42 {
		t.Fatalf("message_id = %v", gotBody["message_id"])
	}
}

func TestRateLimitedError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  429,
			"description": "Too Many Requests: retry after 17",
			"parameters":  map[string]any{"retry_after": 17},
		})
	})
	_, err := c.SendMessage(context.Background(), "@c", "x")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 17*time.Second {
		t.Fatalf("retry after = %v", rl.RetryAfter)
	}
}

func TestInvalidRecipientError(t *testing.T) {
	for _, tc := range []struct {
		code int
		desc string
	}{
		{403, "Forbidden: bot was blocked by the user"},
		{400, "Bad Request: chat not found"},
	} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"ok": false, "error_code": tc.code, "description": tc.desc,
			})
		})
		_, err := c.SendMessage(context.Background(), "12345", "x")
		var ir *InvalidRecipientError
		if !errors.As(err, &ir) {
			t.Fatalf("%d %q: err = %v, want InvalidRecipientError", tc.code, tc.desc, err)
		}
	}
}

func TestPermanentError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 400, "description": "Bad Request: message is too long",
		})
	})
	_, err := c.SendMessage(context.Background(), "@c", "x")
	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
}

func TestTransientOn5xx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	})
	_, err := c.SendMessage(context.Background(), "@c", "x")
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransientError", err)
	}
}
