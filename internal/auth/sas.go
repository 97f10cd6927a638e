package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// SASProvider generates renewable shared access signatures for one device.
// Every call to Token signs a fresh expiry, so the session always connects
// with an unexpired credential.
type SASProvider struct {
	resourceURI string
	key         []byte
	keyName     string
	ttl         time.Duration

	now func() time.Time
}

// NewSASProvider creates a provider for the device's resource URI. The key
// is the device's shared access key in base64, as issued by the hub. An
// empty keyName is valid for device-scoped keys.
func NewSASProvider(hostname, deviceID, base64Key, keyName string, ttl time.Duration) (*SASProvider, error) {
	if hostname == "" || deviceID == "" {
		return nil, fmt.Errorf("hostname and device id must not be empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode shared access key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("shared access key must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SASProvider{
		resourceURI: hostname + "/devices/" + deviceID,
		key:         key,
		keyName:     keyName,
		ttl:         ttl,
		now:         time.Now,
	}, nil
}

// Token returns a freshly signed shared access signature:
//
//	SharedAccessSignature sr=<uri>&sig=<signature>&se=<expiry>[&skn=<name>]
func (p *SASProvider) Token() (string, error) {
	expiry := p.now().Add(p.ttl).Unix()
	sr := url.QueryEscape(p.resourceURI)

	mac := hmac.New(sha256.New, p.key)
	fmt.Fprintf(mac, "%s\n%d", sr, expiry)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d",
		sr, url.QueryEscape(sig), expiry)
	if p.keyName != "" {
		token += "&skn=" + url.QueryEscape(p.keyName)
	}
	return token, nil
}
