package terminal

// promptRule answers one interstitial screen on the way to the main prompt.
// Needles are matched against the entire sanitized lowercase transcript, so
// a prompt split across read chunks is still recognized. Each rule fires at
// most once per attempt; a re-render of the same screen gets no second
// keystroke.
type promptRule struct {
	name   string
	needle string
	reply  string
	fired  bool
}

// defaultRules lists the screens a fresh credential directory can show, in
// the order the CLI presents them. The exact wording shifts between
// releases; the quoted fragments have stayed.
func defaultRules() []promptRule {
	return []promptRule{
		{name: "theme", needle: "choose the text style", reply: "\r"},
		{name: "login-method", needle: "select login method", reply: "\r"},
		{name: "login-continue", needle: "press enter to continue", reply: "\r"},
		{name: "security-notes", needle: "security notes", reply: "\r"},
		{name: "terminal-setup", needle: "terminal setup", reply: "\r"},
		{name: "trust-folder", needle: "do you trust the files in this folder", reply: "\r"},
		{name: "permissions", needle: "bypass permissions mode", reply: "\x1b[B\r"},
	}
}

// readyNeedles mark the main input prompt. Any one of them counts.
var readyNeedles = []string{
	"? for shortcuts",
	"try \"",
}

// completionMenuNeedle is the autocomplete row the palette shows when the
// typed usage command is intercepted instead of submitted.
const completionMenuNeedle = "show plan usage limits"

// cursorQueries are answered on the raw byte stream before sanitizing; the
// TUI blocks its first paint until it hears a cursor position back.
var cursorQueries = []string{"\x1b[6n", "\x1b[?6n"}

const cursorReply = "\x1b[1;1R"
