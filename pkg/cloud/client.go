// Package cloud talks to the camera vendor's account service: login
// (including TOTP MFA), token refresh, the device listing that seeds the
// fleet, and WebRTC signaling descriptors. Every result is cached on
// disk as an opaque blob so restarts do not hammer the service.
package cloud

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ethan/iotc-bridge/pkg/camera"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/metrics"
)

const (
	blobCredential = "credential"
	blobCameras    = "cameras"

	mfaTypeTOTP = "TotpVerificationCode"

	// Pace for retrying transient account-service failures.
	retryInterval = 10 * time.Second
)

// ErrBadCredentials marks a 400 from the account service: the stored
// credential is unusable and retrying will not help.
var ErrBadCredentials = errors.New("cloud: credentials rejected")

// Credential is the opaque token set minted by login and spent on every
// authorized call.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	PhoneID      string `json:"phone_id"`
}

// Signal describes one camera's WebRTC signaling rendezvous.
type Signal struct {
	SignalingURL string `json:"signaling_url"`
	ClientID     string `json:"client_id"`
	SignalToken  string `json:"signal_token"`
}

// Client handles authentication and communication with the account
// service.
type Client struct {
	email      string
	password   string
	keyID      string
	apiKey     string
	baseURL    string
	authURL    string
	mfaPath    string
	httpClient *http.Client
	log        zerolog.Logger
	cache      *Cache

	// Credential cache.
	mu   sync.RWMutex
	cred *Credential
}

// NewClient builds a client from the resolved configuration. The phone
// id sticks across restarts through the credential blob.
func NewClient(cfg *config.Config) *Client {
	log := logger.WithComponent("cloud")
	c := &Client{
		email:    cfg.CloudEmail,
		password: cfg.CloudPassword,
		keyID:    cfg.CloudKeyID,
		apiKey:   cfg.CloudAPIKey,
		baseURL:  strings.TrimRight(cfg.CloudBaseURL, "/"),
		authURL:  strings.TrimRight(cfg.CloudAuthURL, "/"),
		mfaPath:  cfg.MFATokenPath,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:   log,
		cache: NewCache(cfg.TokenDir, cfg.FreshData, log),
	}
	var cred Credential
	if c.cache.Load(blobCredential, &cred) && cred.AccessToken != "" {
		c.cred = &cred
	}
	return c
}

// Login authenticates with the account service. When the service asks
// for a second factor the call blocks until a 6-digit code is written to
// the MFA token file, then resubmits.
func (c *Client) Login(ctx context.Context) (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred != nil && c.cred.AccessToken != "" {
		return c.cred, nil
	}
	if c.email == "" || c.password == "" {
		return nil, fmt.Errorf("cloud: CLOUD_EMAIL and CLOUD_PASSWORD not configured")
	}

	phoneID := uuid.NewString()
	body := map[string]string{
		"email":    c.email,
		"password": hashPassword(c.password),
	}

	resp, err := c.postLogin(ctx, phoneID, body)
	if err != nil {
		return nil, err
	}

	if len(resp.MFAOptions) > 0 {
		c.log.Info().Strs("options", resp.MFAOptions).Str("file", c.mfaPath).
			Msg("login requires verification code")
		code, err := waitForCode(ctx, c.mfaPath)
		if err != nil {
			return nil, fmt.Errorf("wait for verification code: %w", err)
		}
		body["mfa_type"] = mfaTypeTOTP
		body["verification_id"] = resp.MFADetails.TotpVerificationID
		body["verification_code"] = code
		resp, err = c.postLogin(ctx, phoneID, body)
		if err != nil {
			return nil, err
		}
		if len(resp.MFAOptions) > 0 {
			return nil, fmt.Errorf("cloud: verification code not accepted")
		}
	}

	cred := &Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.UserID,
		PhoneID:      phoneID,
	}
	c.cred = cred
	if err := c.cache.Save(blobCredential, cred); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist credential")
	}
	c.log.Info().Str("user_id", cred.UserID).Msg("logged in")
	return cred, nil
}

type loginResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	UserID       string   `json:"user_id"`
	MFAOptions   []string `json:"mfa_options"`
	MFADetails   struct {
		TotpVerificationID string `json:"totp_verification_id"`
	} `json:"mfa_details"`
}

func (c *Client) postLogin(ctx context.Context, phoneID string, body map[string]string) (lr *loginResponse, err error) {
	defer func() { observeCall("login", err) }()
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/user/login", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("phoneid", phoneID)
	req.Header.Set("keyid", c.keyID)
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrBadCredentials
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("login failed: %s (status %d)", body, resp.StatusCode)
	}

	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	return &login, nil
}

// credential returns a usable credential, logging in if none is cached.
func (c *Client) credential(ctx context.Context) (*Credential, error) {
	c.mu.RLock()
	if c.cred != nil && c.cred.AccessToken != "" {
		cred := c.cred
		c.mu.RUnlock()
		return cred, nil
	}
	c.mu.RUnlock()

	return c.Login(ctx)
}

// refresh exchanges the refresh token for new tokens. A 400 discards the
// credential entirely.
func (c *Client) refresh(ctx context.Context) (cred *Credential, err error) {
	defer func() { observeCall("refresh", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred == nil || c.cred.RefreshToken == "" {
		return nil, fmt.Errorf("cloud: no refresh token")
	}
	c.log.Info().Msg("refreshing access token")

	payload, err := json.Marshal(map[string]string{
		"refresh_token": c.cred.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/user/refresh_token", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("phoneid", c.cred.PhoneID)
	req.Header.Set("keyid", c.keyID)
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		c.discardLocked()
		return nil, ErrBadCredentials
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token refresh failed: %s (status %d)", body, resp.StatusCode)
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}

	c.cred.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		c.cred.RefreshToken = tokens.RefreshToken
	}
	if err := c.cache.Save(blobCredential, c.cred); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist credential")
	}
	return c.cred, nil
}

func (c *Client) discardLocked() {
	c.cred = nil
	c.cache.Clear(blobCredential)
}

// do performs an authorized call. An expired token gets one refresh and
// one retry; a 400 surfaces as ErrBadCredentials and drops the
// credential.
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	cred, err := c.credential(ctx)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		req.Header.Set("phoneid", cred.PhoneID)
		req.Header.Set("keyid", c.keyID)
		req.Header.Set("apikey", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, url, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if cred, err = c.refresh(ctx); err != nil {
				return err
			}
			continue
		case resp.StatusCode == http.StatusBadRequest,
			resp.StatusCode == http.StatusUnauthorized:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.mu.Lock()
			c.discardLocked()
			c.mu.Unlock()
			return ErrBadCredentials
		case resp.StatusCode != http.StatusOK:
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("%s %s: %s (status %d)", method, url, respBody, resp.StatusCode)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode %s response: %w", url, err)
		}
		return nil
	}
}

// ListCameras retrieves the account's camera fleet, serving from the
// disk cache when one exists.
func (c *Client) ListCameras(ctx context.Context) ([]*camera.Camera, error) {
	var cams []*camera.Camera
	if c.cache.Load(blobCameras, &cams) && len(cams) > 0 {
		c.log.Debug().Int("count", len(cams)).Msg("cameras served from cache")
		return cams, nil
	}
	return c.fetchCameras(ctx)
}

func (c *Client) fetchCameras(ctx context.Context) ([]*camera.Camera, error) {
	var listing struct {
		DeviceList []*camera.Camera `json:"device_list"`
	}
	err := c.do(ctx, http.MethodPost, c.baseURL+"/app/v2/device/list", []byte("{}"), &listing)
	observeCall("list_cameras", err)
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}

	// Only devices with a P2P identity are cameras the bridge can serve.
	cams := make([]*camera.Camera, 0, len(listing.DeviceList))
	for _, cam := range listing.DeviceList {
		if cam.P2PID == "" || cam.MAC == "" {
			continue
		}
		cams = append(cams, cam)
	}

	if err := c.cache.Save(blobCameras, cams); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist camera listing")
	}
	c.log.Info().Int("count", len(cams)).Msg("listed cameras")
	return cams, nil
}

// ListCamerasWait keeps retrying transient account-service failures,
// paced, until the listing succeeds, the credentials are rejected or the
// context ends.
func (c *Client) ListCamerasWait(ctx context.Context) ([]*camera.Camera, error) {
	limiter := rate.NewLimiter(rate.Every(retryInterval), 1)
	limiter.Allow() // burn the burst token so the first retry waits the full interval
	for {
		cams, err := c.ListCameras(ctx)
		if err == nil {
			return cams, nil
		}
		if errors.Is(err, ErrBadCredentials) || ctx.Err() != nil {
			return nil, err
		}
		c.log.Warn().Err(err).Msg("camera listing failed, retrying")
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// RefreshCamera re-fetches the fleet from origin and returns the
// descriptor for mac, picking up a rotated enr or a new IP.
func (c *Client) RefreshCamera(ctx context.Context, mac string) (*camera.Camera, error) {
	cams, err := c.fetchCameras(ctx)
	if err != nil {
		return nil, err
	}
	for _, cam := range cams {
		if strings.EqualFold(cam.MAC, mac) {
			return cam, nil
		}
	}
	return nil, fmt.Errorf("camera %s not in account listing", mac)
}

// WebRTCSignaling fetches the signaling rendezvous for one camera.
func (c *Client) WebRTCSignaling(ctx context.Context, mac string) (*Signal, error) {
	var sig Signal
	url := c.baseURL + "/app/v2/device/signaling?mac=" + strings.ToUpper(mac)
	err := c.do(ctx, http.MethodGet, url, nil, &sig)
	observeCall("signaling", err)
	if err != nil {
		return nil, fmt.Errorf("webrtc signaling: %w", err)
	}
	return &sig, nil
}

func observeCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CloudCalls.WithLabelValues(op, outcome).Inc()
}

// hashPassword digests the way the account service stores passwords:
// three rounds of hex MD5.
func hashPassword(password string) string {
	digest := password
	for i := 0; i < 3; i++ {
		sum := md5.Sum([]byte(digest))
		digest = hex.EncodeToString(sum[:])
	}
	return digest
}
