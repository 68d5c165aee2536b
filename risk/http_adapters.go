package risk

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // HIBP's k-anonymity API is keyed by SHA-1 prefix, not used for secrecy
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// The geo, CAPTCHA, and breach collaborators are plain HTTP services,
// so these default adapters are thin net/http + encoding/json wrappers.

// httpGeoProvider queries a MaxMind GeoIP2-web-service-compatible
// endpoint.
type httpGeoProvider struct {
	client  *http.Client
	baseURL string // e.g. "https://geoip.example.com/geoip/v2.1/city"
}

// NewHTTPGeoProvider builds a GeoProvider over a GeoIP2-style REST
// endpoint.
func NewHTTPGeoProvider(client *http.Client, baseURL string) GeoProvider {
	return &httpGeoProvider{client: client, baseURL: baseURL}
}

type geoResponse struct {
	Country struct {
		ISOCode string `json:"iso_code"`
	} `json:"country"`
	City struct {
		Names map[string]string `json:"names"`
	} `json:"city"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Traits struct {
		AutonomousSystemNumber int `json:"autonomous_system_number"`
	} `json:"traits"`
}

func (p *httpGeoProvider) Resolve(ctx context.Context, ip string) (GeoPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return GeoPoint{}, fmt.Errorf("risk: geo request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return GeoPoint{}, fmt.Errorf("risk: geo lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return GeoPoint{}, fmt.Errorf("risk: geo lookup %s: %s", ip, resp.Status)
	}
	var body geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return GeoPoint{}, fmt.Errorf("risk: decode geo response: %w", err)
	}
	return GeoPoint{
		Country: body.Country.ISOCode,
		City:    body.City.Names["en"],
		Lat:     body.Location.Latitude,
		Lon:     body.Location.Longitude,
		ASN:     body.Traits.AutonomousSystemNumber,
	}, nil
}

// httpCaptchaVerifier posts a response token to a reCAPTCHA-style
// siteverify endpoint.
type httpCaptchaVerifier struct {
	client  *http.Client
	baseURL string
	secret  string
}

// NewHTTPCaptchaVerifier builds a CaptchaVerifier over a
// reCAPTCHA-compatible siteverify endpoint.
func NewHTTPCaptchaVerifier(client *http.Client, baseURL, secret string) CaptchaVerifier {
	return &httpCaptchaVerifier{client: client, baseURL: baseURL, secret: secret}
}

type captchaResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *httpCaptchaVerifier) Verify(ctx context.Context, responseToken, remoteIP string) (bool, error) {
	form := url.Values{
		"secret":   {v.secret},
		"response": {responseToken},
		"remoteip": {remoteIP},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("risk: captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("risk: captcha verify: %w", err)
	}
	defer resp.Body.Close()
	var body captchaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("risk: decode captcha response: %w", err)
	}
	return body.Success, nil
}

// httpBreachChecker queries a Have-I-Been-Pwned-style k-anonymity
// range endpoint: only the SHA-1 prefix of the password hash leaves
// the process.
type httpBreachChecker struct {
	client  *http.Client
	baseURL string // e.g. "https://api.pwnedpasswords.com/range"
}

// NewHTTPBreachChecker builds a BreachChecker over an HIBP-compatible
// range API.
func NewHTTPBreachChecker(client *http.Client, baseURL string) BreachChecker {
	return &httpBreachChecker{client: client, baseURL: baseURL}
}

func (c *httpBreachChecker) IsBreached(ctx context.Context, password string) (bool, error) {
	sum := sha1.Sum([]byte(password))
	hexSum := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := hexSum[:5], hexSum[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+prefix, nil)
	if err != nil {
		return false, fmt.Errorf("risk: breach request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("risk: breach check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("risk: breach check: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if parts[0] == suffix {
			if count, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && count > 0 {
				return true, nil
			}
			return true, nil
		}
	}
	return false, scanner.Err()
}
