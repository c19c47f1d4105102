package session

// userColors is the fixed palette shared by pings and the presence roster.
var userColors = []string{
	"#e74c3c",
	"#3498db",
	"#2ecc71",
	"#f39c12",
	"#9b59b6",
	"#1abc9c",
	"#e67e22",
	"#f1c40f",
}

// UserColor derives a stable color for a user id, so every client renders the
// same user with the same color without coordination.
func UserColor(userID string) string {
	var hash int32
	for _, r := range userID {
		hash = r + ((hash << 5) - hash)
	}
	if hash < 0 {
		hash = -hash
	}
	return userColors[int(hash)%len(userColors)]
}
