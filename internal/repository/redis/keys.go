package redisrepo

import (
	"encoding/base64"
	"fmt"
)

const ns = "railgo:v1"

func KeyTrain(trainID int64) string {
	return fmt.Sprintf("%s:train:%d", ns, trainID)
}

func KeyTrainSearch(source, destination string, limit, offset int) string {
	return fmt.Sprintf("%s:page:%d:%d", keyTrainSearchPrefix(source, destination), limit, offset)
}

// keyTrainSearchPrefix groups every page of one route so a new train on the
// route invalidates all of them.
func keyTrainSearchPrefix(source, destination string) string {
	return fmt.Sprintf("%s:trains:%s:%s", ns, escape(source), escape(destination))
}

func KeyIdemBooking(userID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:bookings:%d:%s", ns, userID, idemKey)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func ChannelTrainsChanged() string {
	return ns + ":trains:changed"
}

// escape keeps station names free of ':' and SCAN glob characters.
func escape(s string) string {
	if s == "" {
		return "-"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}
