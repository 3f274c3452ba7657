package app

// Key binding constants used in handleKey.
const (
	KeySubmit       = "enter"
	KeyToggleReport = "ctrl+r"
	KeySpeech       = "ctrl+s"
	KeyVoice        = "ctrl+v"
	KeyReset        = "ctrl+l"
	KeyCtrlC        = "ctrl+c"
	KeyEsc          = "esc"
	KeyScrollUp     = "pgup"
	KeyScrollDown   = "pgdown"
)
