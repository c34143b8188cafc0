package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/renameio/v2"
)

// Battery cameras expose their flash over a tiny onboard http server
// once the boa keepalive is running. The photo directory is only
// reachable over the LAN.

const (
	boaIndexPath  = "/cgi-bin/hello.cgi?name=/SDPath/photo/"
	boaPhotoPath  = "/SDPath/photo/"
	boaMaxPhoto   = 10 << 20
	boaMaxListing = 1 << 20
)

// The onboard server renders the photo directory as an anchor list.
var boaPhotoName = regexp.MustCompile(`href="([^"/]+\.jpg)"`)

// BoaPhoto identifies the newest mirrored camera-side photo.
type BoaPhoto struct {
	Name    string
	ModTime time.Time
}

// PullPhoto mirrors the newest photo from the camera at ip into the
// image directory as <uri>.jpg. When the camera has nothing newer than
// prev, prev is returned unchanged.
func PullPhoto(ctx context.Context, client *http.Client, ip, uri, dir string, prev BoaPhoto) (BoaPhoto, error) {
	if ip == "" {
		return prev, errors.New("camera ip unknown")
	}
	listing, err := boaGet(ctx, client, "http://"+ip+boaIndexPath, boaMaxListing)
	if err != nil {
		return prev, fmt.Errorf("photo listing: %w", err)
	}

	// Firmware names photos by timestamp, so the lexicographic maximum
	// is the newest.
	latest := ""
	for _, m := range boaPhotoName.FindAllStringSubmatch(string(listing), -1) {
		if m[1] > latest {
			latest = m[1]
		}
	}
	if latest == "" {
		return prev, errors.New("no photos on camera")
	}
	if latest == prev.Name {
		return prev, nil
	}

	photo, err := boaGet(ctx, client, "http://"+ip+boaPhotoPath+latest, boaMaxPhoto)
	if err != nil {
		return prev, fmt.Errorf("photo %s: %w", latest, err)
	}
	if err := renameio.WriteFile(SnapshotPath(dir, uri), photo, 0o644); err != nil {
		return prev, fmt.Errorf("mirror photo: %w", err)
	}
	return BoaPhoto{Name: latest, ModTime: time.Now()}, nil
}

func boaGet(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}
