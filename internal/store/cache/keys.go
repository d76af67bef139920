package cache

import "fmt"

// Key builders shared by the read paths and the post-commit
// invalidation sweep. Keep these in one place so a new cached view
// cannot silently escape invalidation.

func UserDailyKey(userID string, days int) string {
	return fmt.Sprintf("stats:daily:%s:%d", userID, days)
}

// UserPattern matches every cached view of one user.
func UserPattern(userID string) string {
	return fmt.Sprintf("stats:*:%s*", userID)
}

func LeaderboardKey(period string, limit int) string {
	return fmt.Sprintf("leaderboard:%s:%d", period, limit)
}

// LeaderboardPattern matches every cached leaderboard page/period.
const LeaderboardPattern = "leaderboard:*"
