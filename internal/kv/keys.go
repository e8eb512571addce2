package kv

import "fmt"

// Key builders for the coordination namespaces. Keeping these in one place
// stops worker, scaler and quota code drifting apart on key formats.

func CircuitStateKey(endpoint string) string {
	return fmt.Sprintf("circuit:%s:state", endpoint)
}

func CircuitFailuresKey(endpoint string) string {
	return fmt.Sprintf("circuit:%s:failures", endpoint)
}

func CircuitOpenKey(endpoint string) string {
	return fmt.Sprintf("circuit:%s:open", endpoint)
}

func CircuitHalfOpenSuccessKey(endpoint string) string {
	return fmt.Sprintf("circuit:%s:half_open_success", endpoint)
}

func CircuitHalfOpenInFlightKey(endpoint string) string {
	return fmt.Sprintf("circuit:%s:half_open_inflight", endpoint)
}

func CircuitChangedAtKey(endpoint string) string {
	return fmt.Sprintf("circuit:%s:changed_at", endpoint)
}

func ScalerLockKey() string {
	return "scaler:lock"
}

func ScalerCooldownKey(regionID string) string {
	return fmt.Sprintf("scaler:cooldown:%s", regionID)
}

func ScalerPredictionCacheKey() string {
	return "scaler:predictions"
}

func QuotaCacheKey(organisationID, quotaType string) string {
	return fmt.Sprintf("quota:%s:%s", organisationID, quotaType)
}

func QuotaCachePrefix(organisationID string) string {
	return fmt.Sprintf("quota:%s:", organisationID)
}

func RateLimitKey(organisationID, userID, endpoint string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", organisationID, userID, endpoint)
}
