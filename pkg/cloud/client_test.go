package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/iotc-bridge/pkg/config"
)

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		CloudEmail:    "user@example.com",
		CloudPassword: "secret",
		CloudKeyID:    "key-id",
		CloudAPIKey:   "api-key",
		CloudBaseURL:  serverURL,
		CloudAuthURL:  serverURL,
		TokenDir:      dir,
		MFATokenPath:  filepath.Join(dir, "mfa_token.txt"),
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestLoginHashesPassword(t *testing.T) {
	var gotPassword string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/login", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotPassword = body["password"]
		writeJSON(t, w, map[string]string{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"user_id":       "u-1",
		})
	}))
	defer srv.Close()

	client := NewClient(testConfig(t, srv.URL))
	cred, err := client.Login(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "at-1", cred.AccessToken)
	assert.Equal(t, "rt-1", cred.RefreshToken)
	assert.Equal(t, "u-1", cred.UserID)
	assert.NotEmpty(t, cred.PhoneID)

	assert.NotEqual(t, "secret", gotPassword, "password must not travel in the clear")
	assert.Len(t, gotPassword, 32)
	assert.Equal(t, hashPassword("secret"), gotPassword)
}

func TestLoginPersistsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"access_token": "at-1", "refresh_token": "rt-1"})
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	_, err := NewClient(cfg).Login(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.TokenDir, "credential.json"))
	require.NoError(t, err)
	var cred Credential
	require.NoError(t, json.Unmarshal(data, &cred))
	assert.Equal(t, "at-1", cred.AccessToken)

	// A second client reuses the blob without touching the service.
	srv.Close()
	cred2, err := NewClient(cfg).Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred2.AccessToken)
}

func TestLoginRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(t, srv.URL)).Login(context.Background())
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestLoginMFA(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if logins.Add(1) == 1 {
			writeJSON(t, w, map[string]any{
				"mfa_options": []string{"TotpVerificationCode"},
				"mfa_details": map[string]string{"totp_verification_id": "vid-7"},
			})
			return
		}
		assert.Equal(t, "TotpVerificationCode", body["mfa_type"])
		assert.Equal(t, "vid-7", body["verification_id"])
		assert.Equal(t, "123456", body["verification_code"])
		writeJSON(t, w, map[string]string{"access_token": "at-mfa", "refresh_token": "rt-mfa"})
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	client := NewClient(cfg)

	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(cfg.MFATokenPath, []byte("123456\n"), 0o600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cred, err := client.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-mfa", cred.AccessToken)
	assert.EqualValues(t, 2, logins.Load())

	_, statErr := os.Stat(cfg.MFATokenPath)
	assert.True(t, os.IsNotExist(statErr), "consumed code file must be removed")
}

func seedCredential(t *testing.T, cfg *config.Config, cred Credential) {
	t.Helper()
	cache := NewCache(cfg.TokenDir, false, zerolog.Nop())
	require.NoError(t, cache.Save(blobCredential, cred))
}

func TestListCamerasFiltersAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app/v2/device/list", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		hits.Add(1)
		writeJSON(t, w, map[string]any{
			"device_list": []map[string]any{
				{"p2p_id": "AAAA-111111-BBBBB", "mac": "AABBCCDDEEFF", "product_model": "HL_CAM3", "nickname": "Front Door", "enr": "0123456789ABCDEF"},
				{"mac": "112233445566", "product_model": "PLUG1", "nickname": "Desk Plug"},
				{"p2p_id": "CCCC-222222-DDDDD", "mac": "FFEEDDCCBBAA", "product_model": "HL_PAN3", "nickname": "Kitchen", "enr": "FEDCBA9876543210"},
			},
		})
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	seedCredential(t, cfg, Credential{AccessToken: "at-1", RefreshToken: "rt-1", PhoneID: "p-1"})
	client := NewClient(cfg)

	cams, err := client.ListCameras(context.Background())
	require.NoError(t, err)
	require.Len(t, cams, 2, "non-camera devices are dropped")
	assert.Equal(t, "Front Door", cams[0].Nickname)
	assert.Equal(t, "HL_PAN3", cams[1].Model)

	cams, err = client.ListCameras(context.Background())
	require.NoError(t, err)
	assert.Len(t, cams, 2)
	assert.EqualValues(t, 1, hits.Load(), "second listing comes from the blob cache")
}

func TestFreshDataBypassesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(t, w, map[string]any{
			"device_list": []map[string]any{
				{"p2p_id": "AAAA-111111-BBBBB", "mac": "AABBCCDDEEFF", "product_model": "HL_CAM3"},
			},
		})
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.FreshData = true
	seedCredential(t, cfg, Credential{AccessToken: "at-1", RefreshToken: "rt-1"})

	// Fresh mode ignores the credential blob too; inject the token.
	client := NewClient(cfg)
	client.cred = &Credential{AccessToken: "at-1", RefreshToken: "rt-1"}

	_, err := client.ListCameras(context.Background())
	require.NoError(t, err)
	_, err = client.ListCameras(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load(), "fresh mode refetches every time")
}

func TestExpiredTokenRefreshesOnce(t *testing.T) {
	var listCalls, refreshCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app/v2/device/list":
			if listCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "Bearer at-2", r.Header.Get("Authorization"))
			writeJSON(t, w, map[string]any{"device_list": []map[string]any{
				{"p2p_id": "AAAA-111111-BBBBB", "mac": "AABBCCDDEEFF"},
			}})
		case "/user/refresh_token":
			refreshCalls.Add(1)
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "rt-1", body["refresh_token"])
			writeJSON(t, w, map[string]string{"access_token": "at-2", "refresh_token": "rt-2"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	seedCredential(t, cfg, Credential{AccessToken: "at-1", RefreshToken: "rt-1", PhoneID: "p-1"})
	client := NewClient(cfg)

	cams, err := client.ListCameras(context.Background())
	require.NoError(t, err)
	assert.Len(t, cams, 1)
	assert.EqualValues(t, 1, refreshCalls.Load())
	assert.EqualValues(t, 2, listCalls.Load())
}

func TestBadRequestDiscardsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	seedCredential(t, cfg, Credential{AccessToken: "at-1", RefreshToken: "rt-1"})
	client := NewClient(cfg)

	_, err := client.ListCameras(context.Background())
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, statErr := os.Stat(filepath.Join(cfg.TokenDir, "credential.json"))
	assert.True(t, os.IsNotExist(statErr), "rejected credential blob must be dropped")
}

func TestRefreshCameraBypassesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(t, w, map[string]any{"device_list": []map[string]any{
			{"p2p_id": "AAAA-111111-BBBBB", "mac": "AABBCCDDEEFF", "enr": "ROTATED0ROTATED0", "ip": "192.168.1.50"},
		}})
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	seedCredential(t, cfg, Credential{AccessToken: "at-1", RefreshToken: "rt-1"})
	client := NewClient(cfg)

	// Warm the cache, then refresh: both must hit origin.
	_, err := client.ListCameras(context.Background())
	require.NoError(t, err)

	cam, err := client.RefreshCamera(context.Background(), "aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, "ROTATED0ROTATED0", cam.ENR)
	assert.EqualValues(t, 2, hits.Load())

	_, err = client.RefreshCamera(context.Background(), "000000000000")
	assert.Error(t, err)
}

func TestWebRTCSignaling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app/v2/device/signaling", r.URL.Path)
		assert.Equal(t, "AABBCCDDEEFF", r.URL.Query().Get("mac"))
		writeJSON(t, w, map[string]string{
			"signaling_url": "wss://signal.example.com/ws",
			"client_id":     "client-9",
			"signal_token":  "tok-9",
		})
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	seedCredential(t, cfg, Credential{AccessToken: "at-1", RefreshToken: "rt-1"})
	client := NewClient(cfg)

	sig, err := client.WebRTCSignaling(context.Background(), "aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, "wss://signal.example.com/ws", sig.SignalingURL)
	assert.Equal(t, "client-9", sig.ClientID)
	assert.Equal(t, "tok-9", sig.SignalToken)
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir, false, zerolog.Nop())

	type blob struct{ Name string }
	require.NoError(t, cache.Save("thing", blob{Name: "x"}))

	var got blob
	require.True(t, cache.Load("thing", &got))
	assert.Equal(t, "x", got.Name)

	cache.Clear("thing", "never-existed")
	assert.False(t, cache.Load("thing", &got))

	fresh := NewCache(dir, true, zerolog.Nop())
	require.NoError(t, fresh.Save("thing", blob{Name: "y"}))
	assert.False(t, fresh.Load("thing", &got), "fresh mode never reads back")
}

func TestWaitForCodeIgnoresMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mfa_token.txt")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o600))

	done := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		code, err := waitForCode(ctx, path)
		if err == nil {
			done <- code
		}
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(" 654321 "), 0o600))

	select {
	case code := <-done:
		assert.Equal(t, "654321", code)
	case <-ctx.Done():
		t.Fatal("timed out waiting for code")
	}
}
