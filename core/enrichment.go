package core

import "time"

// Enrichment bundles optional third-party context attached to an indicator.
// Every score is clamped to [0.0, 1.0] on validation.
type Enrichment struct {
	Geolocation *GeoEnrichment        `json:"geolocation,omitempty" msgpack:"geolocation"`
	Whois       *WhoisEnrichment      `json:"whois,omitempty" msgpack:"whois"`
	DNS         *DNSEnrichment        `json:"dns,omitempty" msgpack:"dns"`
	Reputation  *ReputationEnrichment `json:"reputation,omitempty" msgpack:"reputation"`
	Malware     *MalwareAnalysis      `json:"malware,omitempty" msgpack:"malware"`
	Network     *NetworkAnalysis      `json:"network,omitempty" msgpack:"network"`
	EnrichedAt  time.Time             `json:"enriched_at" msgpack:"enriched_at"`
	Providers   []string              `json:"providers,omitempty" msgpack:"providers"`
}

type GeoEnrichment struct {
	Country   string  `json:"country,omitempty" msgpack:"country"`
	City      string  `json:"city,omitempty" msgpack:"city"`
	ASN       int     `json:"asn,omitempty" msgpack:"asn"`
	ASOrg     string  `json:"as_org,omitempty" msgpack:"as_org"`
	Latitude  float64 `json:"latitude,omitempty" msgpack:"latitude"`
	Longitude float64 `json:"longitude,omitempty" msgpack:"longitude"`
}

type WhoisEnrichment struct {
	Registrar   string     `json:"registrar,omitempty" msgpack:"registrar"`
	Registrant  string     `json:"registrant,omitempty" msgpack:"registrant"`
	CreatedAt   *time.Time `json:"created_at,omitempty" msgpack:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" msgpack:"expires_at"`
	NameServers []string   `json:"name_servers,omitempty" msgpack:"name_servers"`
}

type DNSEnrichment struct {
	A     []string `json:"a,omitempty" msgpack:"a"`
	AAAA  []string `json:"aaaa,omitempty" msgpack:"aaaa"`
	MX    []string `json:"mx,omitempty" msgpack:"mx"`
	NS    []string `json:"ns,omitempty" msgpack:"ns"`
	CNAME string   `json:"cname,omitempty" msgpack:"cname"`
}

type ReputationEnrichment struct {
	Score      float64  `json:"score" msgpack:"score"`
	Malicious  bool     `json:"malicious" msgpack:"malicious"`
	Categories []string `json:"categories,omitempty" msgpack:"categories"`
	Detections int      `json:"detections" msgpack:"detections"`
	Engines    int      `json:"engines" msgpack:"engines"`
}

type MalwareAnalysis struct {
	Family      string   `json:"family,omitempty" msgpack:"family"`
	Score       float64  `json:"score" msgpack:"score"`
	Behaviors   []string `json:"behaviors,omitempty" msgpack:"behaviors"`
	SandboxLink string   `json:"sandbox_link,omitempty" msgpack:"sandbox_link"`
}

type NetworkAnalysis struct {
	OpenPorts   []int    `json:"open_ports,omitempty" msgpack:"open_ports"`
	Services    []string `json:"services,omitempty" msgpack:"services"`
	RiskScore   float64  `json:"risk_score" msgpack:"risk_score"`
	IsTor       bool     `json:"is_tor" msgpack:"is_tor"`
	IsProxy     bool     `json:"is_proxy" msgpack:"is_proxy"`
	IsCloudHost bool     `json:"is_cloud_host" msgpack:"is_cloud_host"`
}

func (e *Enrichment) clamp() {
	if e.Reputation != nil {
		e.Reputation.Score = Clamp01(e.Reputation.Score)
	}
	if e.Malware != nil {
		e.Malware.Score = Clamp01(e.Malware.Score)
	}
	if e.Network != nil {
		e.Network.RiskScore = Clamp01(e.Network.RiskScore)
	}
}

// Clone returns a deep copy of the bundle.
func (e *Enrichment) Clone() *Enrichment {
	if e == nil {
		return nil
	}
	c := &Enrichment{EnrichedAt: e.EnrichedAt, Providers: cloneStrings(e.Providers)}
	if e.Geolocation != nil {
		g := *e.Geolocation
		c.Geolocation = &g
	}
	if e.Whois != nil {
		w := *e.Whois
		w.CreatedAt = cloneTime(e.Whois.CreatedAt)
		w.ExpiresAt = cloneTime(e.Whois.ExpiresAt)
		w.NameServers = cloneStrings(e.Whois.NameServers)
		c.Whois = &w
	}
	if e.DNS != nil {
		d := DNSEnrichment{
			A:     cloneStrings(e.DNS.A),
			AAAA:  cloneStrings(e.DNS.AAAA),
			MX:    cloneStrings(e.DNS.MX),
			NS:    cloneStrings(e.DNS.NS),
			CNAME: e.DNS.CNAME,
		}
		c.DNS = &d
	}
	if e.Reputation != nil {
		r := *e.Reputation
		r.Categories = cloneStrings(e.Reputation.Categories)
		c.Reputation = &r
	}
	if e.Malware != nil {
		m := *e.Malware
		m.Behaviors = cloneStrings(e.Malware.Behaviors)
		c.Malware = &m
	}
	if e.Network != nil {
		n := *e.Network
		if e.Network.OpenPorts != nil {
			n.OpenPorts = append([]int(nil), e.Network.OpenPorts...)
		}
		n.Services = cloneStrings(e.Network.Services)
		c.Network = &n
	}
	return c
}
