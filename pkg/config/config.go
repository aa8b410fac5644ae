// Package config loads the hub's boot-time environment configuration.
//
// Every tunable lives here, read once at process start.
// Runtime reconfiguration is out of scope: callers read a
// *Config value and it never changes underneath them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
)

// Config holds every environment-overridable tunable the hub uses.
type Config struct {
	// HTTP
	HTTPPort string

	// Store
	DatabasePath string // path to the SQLite file, or ":memory:"

	// Content limits
	MaxMessageContentChars int
	MaxContextValueChars   int

	// Lease
	MinLeaseSeconds     int
	MaxLeaseSeconds     int
	DefaultLeaseSeconds int

	// Done-gate
	CheapConfidenceFloor   float64
	StrictConfidenceFloor  float64
	BaseConfidenceThresh   float64
	MaxReliabilityPenalty  float64
	CheapMinEvidenceRefs   int
	StrictMinEvidenceRefs  int
	MaxEvidenceRefsPerCall int
	DefaultConsistencyMode string // "cheap" or "strict"

	// BlobStore
	BlobMinPayloadChars int
	BlobMinGainPercent  float64

	// Watermark
	WatermarkCacheMS        time.Duration
	WatermarkAgentCacheMax  int

	// Consensus
	ConsensusDisagreementThreshold float64
	ConsensusMinNonAbstainVotes    int
	ConsensusMaxVotes              int

	// Artifact tickets
	MinTicketTTLSeconds int
	MaxTicketTTLSeconds int
	ArtifactStorageDir  string

	// ArtifactUploadSafetyCapBytes bounds an upload whose ticket carries
	// no explicit max_bytes; the
	// HTTP layer still needs some finite limit to pass to
	// http.MaxBytesReader.
	ArtifactUploadSafetyCapBytes int64

	// WaitLoop
	MaxWaitMS           time.Duration
	MinWaitMS           time.Duration
	MinPollIntervalMS   time.Duration
	MaxPollIntervalMS   time.Duration
	RetryBackoffFactor  float64
	RetryBackoffCapMS   time.Duration
	RetryBackoffJitter  float64
	SSEHeartbeatSeconds time.Duration

	// Maintenance
	MaintenanceInterval           time.Duration
	PersistentOfflineAfter        time.Duration
	EphemeralOfflineAfter         time.Duration
	EphemeralClaimReapAfter       time.Duration
	PersistentAgentTTL            time.Duration
	EphemeralAgentTTL             time.Duration
	IdempotencyTTL                time.Duration
	MessageTTL                    time.Duration
	ActivityLogTTL                time.Duration
	ProtocolBlobTTL               time.Duration
	ArtifactDefaultTTL            time.Duration
	AuthEventTTL                  time.Duration
	ResolvedSLOAlertTTL           time.Duration
	TaskArchiveTTL                time.Duration
	TaskArchiveBatchLimit         int
	SLOPendingAgeThreshold        time.Duration
	SLOStaleInProgressThreshold   time.Duration
	SLOClaimChurnWindow           time.Duration
	SLOClaimChurnThreshold        int
	ClaimExpiryThrottle           time.Duration
}

// Defaults returns the documented defaults for every tunable.
func Defaults() Config {
	return Config{
		HTTPPort:     "8080",
		DatabasePath: "hub.db",

		MaxMessageContentChars: 1024,
		MaxContextValueChars:   2048,

		MinLeaseSeconds:     30,
		MaxLeaseSeconds:     86400,
		DefaultLeaseSeconds: 300,

		CheapConfidenceFloor:   0.75,
		StrictConfidenceFloor:  0.95,
		BaseConfidenceThresh:   0.9,
		MaxReliabilityPenalty:  0.07,
		CheapMinEvidenceRefs:   1,
		StrictMinEvidenceRefs:  2,
		MaxEvidenceRefsPerCall: 16,
		DefaultConsistencyMode: "cheap",

		BlobMinPayloadChars: 256,
		BlobMinGainPercent:  10,

		WatermarkCacheMS:       75 * time.Millisecond,
		WatermarkAgentCacheMax: 5000,

		ConsensusDisagreementThreshold: 0.35,
		ConsensusMinNonAbstainVotes:    2,
		ConsensusMaxVotes:              1000,

		MinTicketTTLSeconds:          30,
		MaxTicketTTLSeconds:          86400,
		ArtifactStorageDir:           "./artifacts-data",
		ArtifactUploadSafetyCapBytes: 100 * 1024 * 1024,

		MaxWaitMS:           25 * time.Second,
		MinWaitMS:           100 * time.Millisecond,
		MinPollIntervalMS:   100 * time.Millisecond,
		MaxPollIntervalMS:   2 * time.Second,
		RetryBackoffFactor:  1.5,
		RetryBackoffCapMS:   10 * time.Second,
		RetryBackoffJitter:  0.2,
		SSEHeartbeatSeconds: 15 * time.Second,

		MaintenanceInterval:         30 * time.Second,
		PersistentOfflineAfter:      30 * time.Minute,
		EphemeralOfflineAfter:       5 * time.Minute,
		EphemeralClaimReapAfter:     10 * time.Minute, // max(60s, 2*5m) == 10m; Load recomputes it after the env merge
		PersistentAgentTTL:          7 * 24 * time.Hour,
		EphemeralAgentTTL:           2 * time.Hour,
		IdempotencyTTL:              10 * time.Minute,
		MessageTTL:                  24 * time.Hour,
		ActivityLogTTL:              24 * time.Hour,
		ProtocolBlobTTL:             7 * 24 * time.Hour,
		ArtifactDefaultTTL:          7 * 24 * time.Hour,
		AuthEventTTL:                7 * 24 * time.Hour,
		ResolvedSLOAlertTTL:         14 * 24 * time.Hour,
		TaskArchiveTTL:              7 * 24 * time.Hour,
		TaskArchiveBatchLimit:       200,
		SLOPendingAgeThreshold:      30 * time.Minute,
		SLOStaleInProgressThreshold: 20 * time.Minute,
		SLOClaimChurnWindow:         10 * time.Minute,
		SLOClaimChurnThreshold:      120,
		ClaimExpiryThrottle:         5 * time.Second,
	}
}

// Load reads overrides from the environment and merges them over Defaults().
func Load() (*Config, error) {
	cfg := Defaults()
	over := Config{
		HTTPPort:            os.Getenv("HTTP_PORT"),
		DatabasePath:        os.Getenv("HUB_DB_PATH"),
		ArtifactStorageDir:  os.Getenv("ARTIFACT_STORAGE_DIR"),
		DefaultConsistencyMode: os.Getenv("HUB_DEFAULT_CONSISTENCY_MODE"),
	}

	if err := applyIntEnv("HUB_MAX_MESSAGE_CONTENT_CHARS", &over.MaxMessageContentChars); err != nil {
		return nil, err
	}
	if err := applyIntEnv("HUB_MAX_CONTEXT_VALUE_CHARS", &over.MaxContextValueChars); err != nil {
		return nil, err
	}
	if err := applyIntEnv("HUB_MIN_LEASE_SECONDS", &over.MinLeaseSeconds); err != nil {
		return nil, err
	}
	if err := applyIntEnv("HUB_MAX_LEASE_SECONDS", &over.MaxLeaseSeconds); err != nil {
		return nil, err
	}
	if err := applyIntEnv("HUB_DEFAULT_LEASE_SECONDS", &over.DefaultLeaseSeconds); err != nil {
		return nil, err
	}
	if err := applyFloatEnv("HUB_STRICT_CONFIDENCE_FLOOR", &over.StrictConfidenceFloor); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("MAINTENANCE_INTERVAL_MS", &over.MaintenanceInterval); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("WATERMARK_CACHE_MS", &over.WatermarkCacheMS); err != nil {
		return nil, err
	}
	if err := applyIntEnv("WATERMARK_AGENT_CACHE_MAX", &over.WatermarkAgentCacheMax); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("MAX_WAIT_MS", &over.MaxWaitMS); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("MIN_WAIT_MS", &over.MinWaitMS); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("MIN_POLL_INTERVAL_MS", &over.MinPollIntervalMS); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("MAX_POLL_INTERVAL_MS", &over.MaxPollIntervalMS); err != nil {
		return nil, err
	}
	if err := applyFloatEnv("RETRY_BACKOFF_FACTOR", &over.RetryBackoffFactor); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("RETRY_BACKOFF_CAP_MS", &over.RetryBackoffCapMS); err != nil {
		return nil, err
	}
	if err := applyFloatEnv("RETRY_BACKOFF_JITTER", &over.RetryBackoffJitter); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("SSE_HEARTBEAT_MS", &over.SSEHeartbeatSeconds); err != nil {
		return nil, err
	}
	if err := applyFloatEnv("HUB_CHEAP_CONFIDENCE_FLOOR", &over.CheapConfidenceFloor); err != nil {
		return nil, err
	}
	if err := applyFloatEnv("HUB_BASE_CONFIDENCE_THRESHOLD", &over.BaseConfidenceThresh); err != nil {
		return nil, err
	}
	if err := applyFloatEnv("HUB_MAX_RELIABILITY_PENALTY", &over.MaxReliabilityPenalty); err != nil {
		return nil, err
	}
	if err := applyIntEnv("HUB_CHEAP_MIN_EVIDENCE_REFS", &over.CheapMinEvidenceRefs); err != nil {
		return nil, err
	}
	if err := applyIntEnv("HUB_STRICT_MIN_EVIDENCE_REFS", &over.StrictMinEvidenceRefs); err != nil {
		return nil, err
	}
	if err := applyIntEnv("HUB_MAX_EVIDENCE_REFS_PER_CALL", &over.MaxEvidenceRefsPerCall); err != nil {
		return nil, err
	}
	if err := applyIntEnv("BLOB_MIN_PAYLOAD_CHARS", &over.BlobMinPayloadChars); err != nil {
		return nil, err
	}
	if err := applyFloatEnv("BLOB_MIN_GAIN_PERCENT", &over.BlobMinGainPercent); err != nil {
		return nil, err
	}
	if err := applyFloatEnv("CONSENSUS_DISAGREEMENT_THRESHOLD", &over.ConsensusDisagreementThreshold); err != nil {
		return nil, err
	}
	if err := applyIntEnv("CONSENSUS_MIN_NON_ABSTAIN_VOTES", &over.ConsensusMinNonAbstainVotes); err != nil {
		return nil, err
	}
	if err := applyIntEnv("CONSENSUS_MAX_VOTES", &over.ConsensusMaxVotes); err != nil {
		return nil, err
	}
	if err := applyIntEnv("MIN_TICKET_TTL_SECONDS", &over.MinTicketTTLSeconds); err != nil {
		return nil, err
	}
	if err := applyIntEnv("MAX_TICKET_TTL_SECONDS", &over.MaxTicketTTLSeconds); err != nil {
		return nil, err
	}
	if err := applyInt64Env("ARTIFACT_UPLOAD_SAFETY_CAP_BYTES", &over.ArtifactUploadSafetyCapBytes); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("PERSISTENT_OFFLINE_AFTER_MS", &over.PersistentOfflineAfter); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("EPHEMERAL_OFFLINE_AFTER_MS", &over.EphemeralOfflineAfter); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("PERSISTENT_AGENT_TTL_MS", &over.PersistentAgentTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("EPHEMERAL_AGENT_TTL_MS", &over.EphemeralAgentTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("IDEMPOTENCY_TTL_MS", &over.IdempotencyTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("MESSAGE_TTL_MS", &over.MessageTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("ACTIVITY_LOG_TTL_MS", &over.ActivityLogTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("PROTOCOL_BLOB_TTL_MS", &over.ProtocolBlobTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("ARTIFACT_DEFAULT_TTL_MS", &over.ArtifactDefaultTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("AUTH_EVENT_TTL_MS", &over.AuthEventTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("RESOLVED_SLO_ALERT_TTL_MS", &over.ResolvedSLOAlertTTL); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("TASK_ARCHIVE_TTL_MS", &over.TaskArchiveTTL); err != nil {
		return nil, err
	}
	if err := applyIntEnv("TASK_ARCHIVE_BATCH_LIMIT", &over.TaskArchiveBatchLimit); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("SLO_PENDING_AGE_MS", &over.SLOPendingAgeThreshold); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("SLO_STALE_IN_PROGRESS_MS", &over.SLOStaleInProgressThreshold); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("SLO_CLAIM_CHURN_WINDOW_MS", &over.SLOClaimChurnWindow); err != nil {
		return nil, err
	}
	if err := applyIntEnv("SLO_CLAIM_CHURN_THRESHOLD", &over.SLOClaimChurnThreshold); err != nil {
		return nil, err
	}
	if err := applyDurationEnv("CLAIM_EXPIRY_THROTTLE_MS", &over.ClaimExpiryThrottle); err != nil {
		return nil, err
	}

	if err := mergo.Merge(&cfg, over, mergo.WithOverride, mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("config: merge env overrides: %w", err)
	}

	// EphemeralClaimReapAfter defaults to max(60s, 2*EphemeralOfflineAfter),
	// recomputed after the merge in case EPHEMERAL_OFFLINE_AFTER_MS was
	// overridden; an explicit EPHEMERAL_CLAIM_REAP_AFTER_MS wins outright.
	if os.Getenv("EPHEMERAL_CLAIM_REAP_AFTER_MS") != "" {
		if err := applyDurationEnv("EPHEMERAL_CLAIM_REAP_AFTER_MS", &cfg.EphemeralClaimReapAfter); err != nil {
			return nil, err
		}
	} else {
		reap := 2 * cfg.EphemeralOfflineAfter
		if reap < 60*time.Second {
			reap = 60 * time.Second
		}
		cfg.EphemeralClaimReapAfter = reap
	}

	return &cfg, nil
}

func applyIntEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func applyFloatEnv(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func applyInt64Env(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func applyDurationEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
