package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/domain"
	"tradedesk/internal/envelope"
	"tradedesk/internal/infra"
)

const secret = "desk-secret"

type fakeSession struct {
	token    string
	device   string
	signouts atomic.Int32
	reason   atomic.Value
}

func (f *fakeSession) Token(ctx context.Context) (string, error) { return f.token, nil }
func (f *fakeSession) DeviceType(ctx context.Context) string     { return f.device }
func (f *fakeSession) ForceSignOut(ctx context.Context, reason string) {
	f.signouts.Add(1)
	f.reason.Store(reason)
}

func newTestClient(t *testing.T, h http.HandlerFunc, session domain.SessionProvider) (*Client, *envelope.Cipher, *infra.Metrics) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cipher, err := envelope.New(secret)
	require.NoError(t, err)

	m := &infra.Metrics{}
	c := New(Config{
		BaseURL:      srv.URL + "/",
		RetryCount:   2,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	}, cipher, session, WithMetrics(m))
	return c, cipher, m
}

// readEnvelope decrypts the {"data": ct} request body into out.
func readEnvelope(t *testing.T, cipher *envelope.Cipher, r *http.Request, out any) {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var env struct {
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.NoError(t, cipher.Decrypt(env.Data, out))
}

func writeSealed(t *testing.T, cipher *envelope.Cipher, w http.ResponseWriter, status int, v any) {
	t.Helper()
	ct, err := cipher.Encrypt(v)
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"data": ct})
}

func TestClient_HeadersAndEnvelope(t *testing.T) {
	session := &fakeSession{token: "abc123", device: "desktop"}
	var cipher *envelope.Cipher
	var got map[string]any

	c, cipher, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/echo", r.URL.Path)
		assert.Equal(t, "Bearer abc123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "desktop", r.Header.Get("deviceType"))

		readEnvelope(t, cipher, r, &got)
		writeSealed(t, cipher, w, http.StatusOK, map[string]any{"ok": true, "echo": got["note"]})
	}, session)

	var out struct {
		OK   bool   `json:"ok"`
		Echo string `json:"echo"`
	}
	require.NoError(t, c.Post(context.Background(), "/orders/echo", map[string]any{"note": "<hi>"}, &out))
	assert.True(t, out.OK)
	assert.Equal(t, "<hi>", out.Echo)
	assert.Equal(t, uint64(1), m.Snapshot().RequestsTotal)
}

func TestBearer(t *testing.T) {
	tests := map[string]string{
		"abc":          "Bearer abc",
		"Bearer abc":   "Bearer abc",
		"bearer abc":   "Bearer abc",
		"  abc  ":      "Bearer abc",
		"BEARER   abc": "Bearer abc",
	}
	for in, want := range tests {
		assert.Equal(t, want, bearer(in), in)
	}
}

func TestClient_ResponseShapes(t *testing.T) {
	cipher, err := envelope.New(secret)
	require.NoError(t, err)

	plain := `{"symbolId":"BTC","qty":7}`
	ct, err := cipher.Encrypt(json.RawMessage(plain))
	require.NoError(t, err)

	// Two independently sealed halves of the same document.
	frag := func(part string) string {
		out, err := cipher.EncryptString(part)
		require.NoError(t, err)
		return toStd(out)
	}

	bodies := map[string]string{
		"bare ciphertext": ct,
		"json string":     `"` + ct + `"`,
		"data string":     `{"data":"` + ct + `"}`,
		"data fragments":  `{"data":["` + frag(plain[:12]) + `","` + frag(plain[12:]) + `"]}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			}, &fakeSession{token: "t"})

			var out struct {
				SymbolID string `json:"symbolId"`
				Qty      int    `json:"qty"`
			}
			require.NoError(t, c.Get(context.Background(), "/x", &out))
			assert.Equal(t, "BTC", out.SymbolID)
			assert.Equal(t, 7, out.Qty)
		})
	}
}

func toStd(rawURL string) string {
	b := []byte(rawURL)
	for i, ch := range b {
		switch ch {
		case '-':
			b[i] = '+'
		case '_':
			b[i] = '/'
		}
	}
	for len(b)%4 != 0 {
		b = append(b, '=')
	}
	return string(b)
}

func TestClient_UnauthorizedStatus(t *testing.T) {
	session := &fakeSession{token: "expired"}
	c, _, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "nope")
	}, session)

	err := c.Get(context.Background(), "/positions", nil)
	require.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, int32(1), session.signouts.Load())
	assert.Equal(t, "unauthorized", session.reason.Load())
	assert.Equal(t, uint64(1), m.Snapshot().SessionExpiries)
}

func TestClient_UnauthorizedInDecryptedBody(t *testing.T) {
	session := &fakeSession{token: "t"}
	var cipher *envelope.Cipher
	c, cipher, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeSealed(t, cipher, w, http.StatusOK, map[string]any{"statusCode": 401, "message": "token revoked"})
	}, session)

	var out map[string]any
	err := c.Get(context.Background(), "/positions", &out)
	require.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, int32(1), session.signouts.Load())
	assert.Equal(t, "token revoked", session.reason.Load())
	assert.Nil(t, out)
}

func TestClient_RequestError(t *testing.T) {
	t.Run("message from decrypted body", func(t *testing.T) {
		var cipher *envelope.Cipher
		c, cipher, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeSealed(t, cipher, w, http.StatusBadRequest, map[string]any{"message": "bad symbol"})
		}, &fakeSession{token: "t"})

		err := c.Get(context.Background(), "/quote", nil)
		var reqErr *domain.RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, http.StatusBadRequest, reqErr.Status)
		assert.Equal(t, "bad symbol", reqErr.Message)
		assert.False(t, domain.IsRetriable(err))
	})

	t.Run("raw text when body is not sealed", func(t *testing.T) {
		c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, "upstream exploded\n")
		}, &fakeSession{token: "t"})

		err := c.Get(context.Background(), "/quote", nil)
		var reqErr *domain.RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, "upstream exploded", reqErr.Message)
		assert.True(t, domain.IsRetriable(err))
	})
}

func TestClient_RetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	var cipher *envelope.Cipher
	c, cipher, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeSealed(t, cipher, w, http.StatusOK, map[string]any{"ok": true})
	}, &fakeSession{token: "t"})

	var out map[string]bool
	require.NoError(t, c.Get(context.Background(), "/flaky", &out))
	assert.True(t, out["ok"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}, &fakeSession{token: "t"})

	err := c.Get(context.Background(), "/missing", nil)
	var reqErr *domain.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_CancelledContextIsFatal(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, &fakeSession{token: "t"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Get(ctx, "/positions", nil)
	var netErr *domain.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, domain.IsRetriable(err))
	assert.Equal(t, "GET /positions", netErr.Op)
}

func TestClient_ServerDownIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cipher, err := envelope.New(secret)
	require.NoError(t, err)
	c := New(Config{BaseURL: url, RetryCount: 0}, cipher, &fakeSession{token: "t"})

	err = c.Get(context.Background(), "/positions", nil)
	var netErr *domain.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, domain.IsRetriable(err))
}

func TestClient_CorruptSuccessBody(t *testing.T) {
	c, _, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":"not-a-ciphertext"}`)
	}, &fakeSession{token: "t"})

	var out map[string]any
	err := c.Get(context.Background(), "/x", &out)
	var decErr *domain.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, uint64(1), m.Snapshot().DecodeErrors)
}

func TestClient_PositionsAndTrades(t *testing.T) {
	var cipher *envelope.Cipher
	c, cipher, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var q domain.PositionQuery
		readEnvelope(t, cipher, r, &q)
		assert.Equal(t, []string{"alice"}, q.UserNames)

		switch r.URL.Path {
		case "/positions":
			writeSealed(t, cipher, w, http.StatusOK, map[string]any{
				"rows": []map[string]any{{
					"userName": "alice", "symbolId": "BTC",
					"buyTotalQuantity": "10", "sellTotalQuantity": 3, "totalQuantity": 7, "price": "100",
				}},
			})
		case "/trades":
			writeSealed(t, cipher, w, http.StatusOK, []map[string]any{
				{"userName": "alice", "symbolId": "BTC", "side": "BUY", "quantity": 10, "price": 100},
				{"userName": "alice", "symbolId": "BTC", "side": "SELL", "quantity": "3", "price": "100"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, &fakeSession{token: "t"})

	q := domain.PositionQuery{UserNames: []string{"alice"}}

	rows, err := c.Positions(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalQuantity.Equal(decimal.NewFromInt(7)))
	assert.True(t, rows[0].Price.Equal(decimal.NewFromInt(100)))

	trades, err := c.Trades(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.SideSell, trades[1].NormalizedSide())
}

func TestClient_ExpiredSessionShortCircuits(t *testing.T) {
	var calls atomic.Int32
	session := NewStaticSession("t", "web", nil)
	session.ForceSignOut(context.Background(), "test")

	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, session)

	err := c.Get(context.Background(), "/x", nil)
	assert.True(t, errors.Is(err, domain.ErrSessionExpired))
	assert.Zero(t, calls.Load())
}

func TestStaticSession(t *testing.T) {
	var hooked []string
	s := NewStaticSession("tok", "web", func(reason string) { hooked = append(hooked, reason) })

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, "web", s.DeviceType(context.Background()))

	s.ForceSignOut(context.Background(), "first")
	s.ForceSignOut(context.Background(), "second")

	out, reason := s.SignedOut()
	assert.True(t, out)
	assert.Equal(t, "second", reason)
	assert.Equal(t, []string{"first"}, hooked)

	_, err = s.Token(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}
