package redis

import "fmt"

const ns = "tixsaga:v1"

func KeyEventSummary(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:summary", ns, eventID)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func KeyIdemBuy(userID, idemKey string) string {
	return fmt.Sprintf("%s:idem:buy:%s:%s", ns, userID, idemKey)
}

func ChannelEventsChanged() string {
	return ns + ":events:changed"
}

func StreamValidations() string {
	return ns + ":validations"
}
