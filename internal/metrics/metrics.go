package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verification codes
	CodesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otp_codes_issued_total",
		Help: "Total number of verification codes issued.",
	})
	CodeDeliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_code_delivery_total",
		Help: "SMS deliveries by outcome.",
	}, []string{"status"}) // status: "sent", "failed" or "test"
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_rate_limited_total",
		Help: "Issuance requests rejected by a rate limit.",
	}, []string{"scope"}) // scope: "phone", "ip" or "cooldown"
	VerifyAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_verify_attempts_total",
		Help: "Code verification attempts by outcome.",
	}, []string{"result"})

	// Accounts and sessions
	AccountsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_accounts_created_total",
		Help: "Total number of accounts created on first verification.",
	})
	SessionsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_issued_total",
		Help: "Total number of sessions created.",
	})
	SessionsRevokedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_sessions_revoked_total",
		Help: "Sessions deactivated, by reason.",
	}, []string{"reason"})
	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_refresh_total",
		Help: "Refresh token rotations by outcome.",
	}, []string{"result"})

	// Audit
	AuditEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_audit_events_dropped_total",
		Help: "Audit events dropped because the dispatch buffer was full.",
	})
	AuditSinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_audit_sink_errors_total",
		Help: "Failed audit batch deliveries per sink.",
	}, []string{"sink"})

	// Gateway
	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections",
		Help: "Currently authenticated real-time connections.",
	})
	GatewayHandshakeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_handshake_failures_total",
		Help: "Connections refused before upgrade.",
	})
	GatewayForcedDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_forced_disconnects_total",
		Help: "Connections closed by the server, by reason.",
	}, []string{"reason"})
	GatewayMessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_dropped_total",
		Help: "Outbound frames dropped for slow clients.",
	})
)
