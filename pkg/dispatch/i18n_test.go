package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWelcomeTextKnownLocales(t *testing.T) {
	require.Equal(t, welcomeMessages[LocaleEnglish], WelcomeText("en"))
	require.Equal(t, welcomeMessages[LocaleChinese], WelcomeText("zh"))
}

func TestWelcomeTextFallsBackToEnglish(t *testing.T) {
	require.Equal(t, welcomeMessages[LocaleEnglish], WelcomeText("fr"))
	require.Equal(t, welcomeMessages[LocaleEnglish], WelcomeText(""))
}
