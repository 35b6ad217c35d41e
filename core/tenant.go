package core

// Resource names a per-tenant counter tracked by the quota guard.
type Resource string

const (
	ResourceIndicators   Resource = "indicators"
	ResourceThreatActors Resource = "threatActors"
	ResourceCampaigns    Resource = "campaigns"
	ResourceReports      Resource = "reports"
	ResourceAPIRequests  Resource = "apiRequests"
	ResourceActiveUsers  Resource = "activeUsers"
	ResourceDataSize     Resource = "dataSize"
)

// AllResources lists every tracked resource.
var AllResources = []Resource{
	ResourceIndicators, ResourceThreatActors, ResourceCampaigns, ResourceReports,
	ResourceAPIRequests, ResourceActiveUsers, ResourceDataSize,
}

// IsValid checks if r is one of AllResources.
func (r Resource) IsValid() bool {
	for _, valid := range AllResources {
		if r == valid {
			return true
		}
	}
	return false
}

// Unlimited as a quota ceiling disables the check for that resource.
const Unlimited int64 = -1

// TenantQuota holds per-tenant ceilings. A negative value means unlimited.
type TenantQuota struct {
	MaxIndicators         int64 `json:"max_indicators" mapstructure:"max_indicators" yaml:"max_indicators"`
	MaxThreatActors       int64 `json:"max_threat_actors" mapstructure:"max_threat_actors" yaml:"max_threat_actors"`
	MaxCampaigns          int64 `json:"max_campaigns" mapstructure:"max_campaigns" yaml:"max_campaigns"`
	MaxReports            int64 `json:"max_reports" mapstructure:"max_reports" yaml:"max_reports"`
	MaxAPIRequestsPerHour int64 `json:"max_api_requests_per_hour" mapstructure:"max_api_requests_per_hour" yaml:"max_api_requests_per_hour"`
	MaxActiveUsers        int64 `json:"max_active_users" mapstructure:"max_active_users" yaml:"max_active_users"`
	MaxDataSizeBytes      int64 `json:"max_data_size_bytes" mapstructure:"max_data_size_bytes" yaml:"max_data_size_bytes"`
}

// Limit returns the ceiling for r.
func (q TenantQuota) Limit(r Resource) int64 {
	switch r {
	case ResourceIndicators:
		return q.MaxIndicators
	case ResourceThreatActors:
		return q.MaxThreatActors
	case ResourceCampaigns:
		return q.MaxCampaigns
	case ResourceReports:
		return q.MaxReports
	case ResourceAPIRequests:
		return q.MaxAPIRequestsPerHour
	case ResourceActiveUsers:
		return q.MaxActiveUsers
	case ResourceDataSize:
		return q.MaxDataSizeBytes
	default:
		return 0
	}
}

// UnlimitedQuota returns a quota with every ceiling disabled.
func UnlimitedQuota() TenantQuota {
	return TenantQuota{
		MaxIndicators: Unlimited, MaxThreatActors: Unlimited, MaxCampaigns: Unlimited,
		MaxReports: Unlimited, MaxAPIRequestsPerHour: Unlimited, MaxActiveUsers: Unlimited,
		MaxDataSizeBytes: Unlimited,
	}
}

// TenantUsage is a point-in-time snapshot of a tenant's counters.
type TenantUsage struct {
	TenantID     string `json:"tenant_id"`
	Indicators   int64  `json:"indicators"`
	ThreatActors int64  `json:"threat_actors"`
	Campaigns    int64  `json:"campaigns"`
	Reports      int64  `json:"reports"`
	APIRequests  int64  `json:"api_requests"`
	ActiveUsers  int64  `json:"active_users"`
	DataSize     int64  `json:"data_size"`
}

// Get returns the counter for r.
func (u TenantUsage) Get(r Resource) int64 {
	switch r {
	case ResourceIndicators:
		return u.Indicators
	case ResourceThreatActors:
		return u.ThreatActors
	case ResourceCampaigns:
		return u.Campaigns
	case ResourceReports:
		return u.Reports
	case ResourceAPIRequests:
		return u.APIRequests
	case ResourceActiveUsers:
		return u.ActiveUsers
	case ResourceDataSize:
		return u.DataSize
	default:
		return 0
	}
}

// Set sets the counter for r.
func (u *TenantUsage) Set(r Resource, v int64) {
	switch r {
	case ResourceIndicators:
		u.Indicators = v
	case ResourceThreatActors:
		u.ThreatActors = v
	case ResourceCampaigns:
		u.Campaigns = v
	case ResourceReports:
		u.Reports = v
	case ResourceAPIRequests:
		u.APIRequests = v
	case ResourceActiveUsers:
		u.ActiveUsers = v
	case ResourceDataSize:
		u.DataSize = v
	}
}

// Feature names a plan-gated capability.
type Feature string

const (
	FeatureRealTimeUpdates   Feature = "realTimeUpdates"
	FeatureAdvancedAnalytics Feature = "advancedAnalytics"
	FeatureDataExport        Feature = "dataExport"
)

// TenantFeatures are the boolean plan flags for a tenant.
type TenantFeatures struct {
	RealTimeUpdates   bool `json:"real_time_updates" mapstructure:"real_time_updates" yaml:"real_time_updates"`
	AdvancedAnalytics bool `json:"advanced_analytics" mapstructure:"advanced_analytics" yaml:"advanced_analytics"`
	DataExport        bool `json:"data_export" mapstructure:"data_export" yaml:"data_export"`
}

// Enabled reports whether f is on.
func (t TenantFeatures) Enabled(f Feature) bool {
	switch f {
	case FeatureRealTimeUpdates:
		return t.RealTimeUpdates
	case FeatureAdvancedAnalytics:
		return t.AdvancedAnalytics
	case FeatureDataExport:
		return t.DataExport
	default:
		return false
	}
}

// Tenant is a provisioned customer with its plan.
type Tenant struct {
	ID       string         `json:"id" mapstructure:"id" yaml:"id"`
	Name     string         `json:"name" mapstructure:"name" yaml:"name"`
	Quota    TenantQuota    `json:"quota" mapstructure:"quota" yaml:"quota"`
	Features TenantFeatures `json:"features" mapstructure:"features" yaml:"features"`
}

// Validate checks the tenant can be provisioned.
func (t Tenant) Validate() error {
	if t.ID == "" {
		return NewValidationError("id", "is required")
	}
	return nil
}
