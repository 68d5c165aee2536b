package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/amlume/identity/cache"
	"github.com/amlume/identity/repository"
)

// GeoPoint is an IP geolocation resolution.
type GeoPoint struct {
	Country string
	City    string
	Lat     float64
	Lon     float64
	ASN     int
}

// historyEntry is one GeoPoint plus the time it was observed, the unit
// stored in the per-user bounded history.
type historyEntry struct {
	GeoPoint
	At time.Time
}

// GeoProvider resolves an IP to a GeoPoint via an external geo
// database/API. One-method external collaborator
type GeoProvider interface {
	Resolve(ctx context.Context, ip string) (GeoPoint, error)
}

// GeoEngineConfig carries the deployment-configurable tunables.
type GeoEngineConfig struct {
	TimeWindow            time.Duration // default 24h
	ImpossibleSpeedKPH    float64       // default 1000
	ReputationThreshold   int
	VPNASNs               map[int]bool
	HighRiskCountries     map[string]bool
}

func (c GeoEngineConfig) withDefaults() GeoEngineConfig {
	if c.TimeWindow == 0 {
		c.TimeWindow = 24 * time.Hour
	}
	if c.ImpossibleSpeedKPH == 0 {
		c.ImpossibleSpeedKPH = 1000
	}
	return c
}

// GeoEngine implements geo/ASN login risk analysis: impossible-travel,
// VPN/anonymizer detection, and high-risk country matching.
type GeoEngine struct {
	cfg      GeoEngineConfig
	cache    cache.Cache
	provider GeoProvider
	asnRepo  repository.ASNReputationRepository
	clock    clockwork.Clock
}

// NewGeoEngine builds a GeoEngine. history is kept in the cache's
// RegionGeoHistory bucket, keyed per user, bounded to cfg.TimeWindow.
func NewGeoEngine(cfg GeoEngineConfig, c cache.Cache, provider GeoProvider, asnRepo repository.ASNReputationRepository) *GeoEngine {
	return &GeoEngine{
		cfg:      cfg.withDefaults(),
		cache:    c,
		provider: provider,
		asnRepo:  asnRepo,
		clock:    clockwork.NewRealClock(),
	}
}

// WithClock overrides the clock, for deterministic tests.
func (g *GeoEngine) WithClock(c clockwork.Clock) *GeoEngine {
	g.clock = c
	return g
}

// Assess resolves ip, compares it against the user's recent location
// history, and returns the combined risk assessment. The current
// location is recorded into history regardless of outcome.
func (g *GeoEngine) Assess(ctx context.Context, userID int64, ip string) (Assessment, error) {
	now := g.clock.Now()
	if g.provider == nil {
		return Assessment{Risk: LevelUnknown, Alerts: []Alert{{Kind: "geo-provider-unconfigured", Detail: "no geo provider wired"}}}, nil
	}
	point, err := g.provider.Resolve(ctx, ip)
	if err != nil {
		return Assessment{Risk: LevelUnknown, Alerts: []Alert{{Kind: "geo-resolve-failed", Detail: err.Error()}}}, nil
	}

	history, _ := g.loadHistory(ctx, userID)
	risk := LevelLow
	var alerts []Alert

	if len(history) > 0 {
		last := history[len(history)-1]
		dist := haversineKM(last.Lat, last.Lon, point.Lat, point.Lon)
		elapsed := now.Sub(last.At)
		if elapsed > 0 {
			speed := dist / elapsed.Hours()
			if speed > g.cfg.ImpossibleSpeedKPH {
				risk = LevelHigh
				alerts = append(alerts, Alert{
					Kind:   "impossible-travel",
					Detail: fmt.Sprintf("%.0f km in %s implies %.0f km/h", dist, elapsed, speed),
				})
			}
		}
	}

	vpn, err := g.isVPN(ctx, point.ASN)
	if err != nil {
		alerts = append(alerts, Alert{Kind: "asn-reputation-unavailable", Detail: err.Error()})
	} else if vpn {
		risk = raiseAtLeast(risk, LevelMedium)
		alerts = append(alerts, Alert{Kind: "vpn-detected", Detail: strconv.Itoa(point.ASN)})
	}

	if g.cfg.HighRiskCountries[point.Country] {
		risk = raiseAtLeast(risk, LevelMedium)
		alerts = append(alerts, Alert{Kind: "high-risk-country", Detail: point.Country})
	}

	g.appendHistory(ctx, userID, historyEntry{GeoPoint: point, At: now}, history)
	return Assessment{Risk: risk, Alerts: alerts}, nil
}

// EffectiveLevel maps UNKNOWN to HIGH for gating decisions, while
// Assessment.Risk
// itself keeps reporting the true UNKNOWN category.
func EffectiveLevel(l Level) Level {
	if l == LevelUnknown {
		return LevelHigh
	}
	return l
}

func raiseAtLeast(cur, floor Level) Level {
	rank := map[Level]int{LevelLow: 0, LevelMedium: 1, LevelHigh: 2, LevelUnknown: 3}
	if rank[cur] < rank[floor] {
		return floor
	}
	return cur
}

func (g *GeoEngine) isVPN(ctx context.Context, asn int) (bool, error) {
	if g.cfg.VPNASNs[asn] {
		return true, nil
	}
	score, err := g.asnRepo.ReputationScore(ctx, asn)
	if err != nil {
		return false, err
	}
	return score < g.cfg.ReputationThreshold, nil
}

func (g *GeoEngine) historyKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (g *GeoEngine) loadHistory(ctx context.Context, userID int64) ([]historyEntry, error) {
	raw, err := g.cache.Get(ctx, cache.RegionGeoHistory, g.historyKey(userID))
	if err != nil {
		return nil, err
	}
	var history []historyEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (g *GeoEngine) appendHistory(ctx context.Context, userID int64, entry historyEntry, history []historyEntry) {
	cutoff := entry.At.Add(-g.cfg.TimeWindow)
	pruned := make([]historyEntry, 0, len(history)+1)
	for _, h := range history {
		if h.At.After(cutoff) {
			pruned = append(pruned, h)
		}
	}
	pruned = append(pruned, entry)
	raw, err := json.Marshal(pruned)
	if err != nil {
		return
	}
	_ = g.cache.Put(ctx, cache.RegionGeoHistory, g.historyKey(userID), raw)
}

// haversineKM is the great-circle distance in kilometers between two
// lat/lon points
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}
