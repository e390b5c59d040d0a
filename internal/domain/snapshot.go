package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Feature keys stored in the feature-settings singleton.
const (
	FeatureMaintenance     = "maintenance_mode"
	FeatureImageGeneration = "image_generation"
	FeatureVoice           = "voice_features"
	FeatureAIResponse      = "ai_response"
)

// FeatureKeys lists the toggleable features in display order.
var FeatureKeys = []string{FeatureMaintenance, FeatureImageGeneration, FeatureVoice, FeatureAIResponse}

// FeatureFlags is the feature toggle state shown on the dashboard.
type FeatureFlags struct {
	MaintenanceMode bool `json:"maintenance_mode"`
	ImageGeneration bool `json:"image_generation_enabled"`
	VoiceFeatures   bool `json:"voice_features_enabled"`
	AIResponse      bool `json:"ai_response_enabled"`
}

// DefaultFeatureFlags applies when no settings document exists: everything on,
// maintenance off.
func DefaultFeatureFlags() FeatureFlags {
	return FeatureFlags{
		ImageGeneration: true,
		VoiceFeatures:   true,
		AIResponse:      true,
	}
}

// FeatureFlagsFromDoc reads flags from a settings document, keeping defaults
// for absent keys.
func FeatureFlagsFromDoc(doc bson.M) FeatureFlags {
	flags := DefaultFeatureFlags()
	if v, ok := AsBool(doc[FeatureMaintenance]); ok {
		flags.MaintenanceMode = v
	}
	if v, ok := AsBool(doc[FeatureImageGeneration]); ok {
		flags.ImageGeneration = v
	}
	if v, ok := AsBool(doc[FeatureVoice]); ok {
		flags.VoiceFeatures = v
	}
	if v, ok := AsBool(doc[FeatureAIResponse]); ok {
		flags.AIResponse = v
	}
	return flags
}

// Get returns the value of a feature by key.
func (f FeatureFlags) Get(key string) (bool, bool) {
	switch key {
	case FeatureMaintenance:
		return f.MaintenanceMode, true
	case FeatureImageGeneration:
		return f.ImageGeneration, true
	case FeatureVoice:
		return f.VoiceFeatures, true
	case FeatureAIResponse:
		return f.AIResponse, true
	default:
		return false, false
	}
}

// Counters holds per stat type totals plus total_operations.
type Counters struct {
	ByType     map[StatType]int64 `json:"by_type"`
	Operations int64              `json:"operations"`
}

// CountersFromDoc reads counters named by field from a stats document.
func CountersFromDoc(doc bson.M, field func(StatType) string) Counters {
	out := Counters{ByType: make(map[StatType]int64, len(StatTypes))}
	for _, t := range StatTypes {
		n, _ := AsInt(doc[field(t)])
		out.ByType[t] = n
	}
	out.Operations, _ = AsInt(doc[TotalOperationsField])
	return out
}

// DailyStats is one calendar day of counters.
type DailyStats struct {
	Date     string   `json:"date"`
	Counters Counters `json:"counters"`
}

// Snapshot is the aggregated dashboard view. It lives only in process memory.
type Snapshot struct {
	TotalUsers     int64 `json:"total_users"`
	ActiveUsers24h int64 `json:"active_users_24h"`
	ActiveUsers7d  int64 `json:"active_users_7d"`
	NewUsers24h    int64 `json:"new_users_24h"`

	TotalGroups    int64 `json:"total_groups"`
	ActiveGroups7d int64 `json:"active_groups_7d"`

	TotalImagesGenerated int64 `json:"total_images_generated"`
	ImagesLast24h        int64 `json:"images_last_24h"`

	TotalAIResponses       int64 `json:"total_ai_responses"`
	AIResponses24h         int64 `json:"ai_responses_24h"`
	VoiceMessagesProcessed int64 `json:"voice_messages_processed"`

	Features FeatureFlags `json:"features"`
	Counters Counters     `json:"counters"`
	Daily    []DailyStats `json:"daily,omitempty"`

	Uptime        time.Duration `json:"uptime"`
	CPUPercent    float64       `json:"cpu_usage"`
	MemoryPercent float64       `json:"memory_usage"`
	GeneratedAt   time.Time     `json:"generated_at"`

	// Error is set on placeholder snapshots built after a failed aggregation.
	Error string `json:"error,omitempty"`
}

// Reconcile patches totals that read zero while their 24h figure does not.
// Older image and history documents miss the fields the total queries rely
// on, so the 24h figure is the better lower bound.
func (s *Snapshot) Reconcile() {
	if s.TotalImagesGenerated == 0 && s.ImagesLast24h > 0 {
		s.TotalImagesGenerated = s.ImagesLast24h
	}
	if s.TotalAIResponses == 0 && s.AIResponses24h > 0 {
		s.TotalAIResponses = s.AIResponses24h
	}
}

// Failed reports whether the snapshot is a placeholder.
func (s Snapshot) Failed() bool {
	return s.Error != ""
}
