package dispatch

// Locale selects which welcome copy a newly-bound user receives.
type Locale string

const (
	LocaleEnglish Locale = "en"
	LocaleChinese Locale = "zh"
)

var welcomeMessages = map[Locale]string{
	LocaleEnglish: "You're connected. Send a message to get started.",
	LocaleChinese: "绑定成功，发送消息即可开始。",
}

// WelcomeText returns the welcome message for locale, falling back to
// English for anything unrecognized.
func WelcomeText(locale string) string {
	if msg, ok := welcomeMessages[Locale(locale)]; ok {
		return msg
	}
	return welcomeMessages[LocaleEnglish]
}
