package pricing

// Статические каталоги с фиксированными ценами. Цены не зависят от категории
// аккаунта, правила ценообразования к ним не применяются.

// GameMembership — коды игр, обслуживаемых статическими каталогами.
const (
	GameMembership = "membership"
	GameStreaming  = "streaming-app"
)

// DefaultMembershipPrices содержит цены на игровые пропуска и членства.
var DefaultMembershipPrices = map[string]int64{
	"ml-weekly-pass":   28000,
	"ml-twilight-pass": 150000,
	"ff-monthly":       90000,
	"pubg-royale-pass": 145000,
}

// DefaultStreamingPrices содержит цены на подписки стриминговых приложений.
var DefaultStreamingPrices = map[string]int64{
	"netflix-1m":     54000,
	"spotify-1m":     27500,
	"youtube-1m":     35000,
	"disney-plus-1m": 39000,
}
