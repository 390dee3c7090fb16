package synth

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-rod/rod/lib/proto"
)

type keyDef struct {
	key     string
	code    string
	keyCode int
	text    string
}

var namedKeys = map[string]keyDef{
	"Enter":      {"Enter", "Enter", 13, "\r"},
	"Tab":        {"Tab", "Tab", 9, ""},
	"Escape":     {"Escape", "Escape", 27, ""},
	"Backspace":  {"Backspace", "Backspace", 8, ""},
	"Delete":     {"Delete", "Delete", 46, ""},
	"ArrowUp":    {"ArrowUp", "ArrowUp", 38, ""},
	"ArrowDown":  {"ArrowDown", "ArrowDown", 40, ""},
	"ArrowLeft":  {"ArrowLeft", "ArrowLeft", 37, ""},
	"ArrowRight": {"ArrowRight", "ArrowRight", 39, ""},
	"Home":       {"Home", "Home", 36, ""},
	"End":        {"End", "End", 35, ""},
	"PageUp":     {"PageUp", "PageUp", 33, ""},
	"PageDown":   {"PageDown", "PageDown", 34, ""},
	"Space":      {" ", "Space", 32, " "},
}

var modifierBits = map[string]int{
	"alt":     1,
	"control": 2,
	"ctrl":    2,
	"meta":    4,
	"cmd":     4,
	"shift":   8,
}

// parseKey turns "Enter", "a", or a chord like "Control+a" into key events.
func parseKey(combo string) ([]proto.InputDispatchKeyEvent, error) {
	if combo == "" {
		return nil, fmt.Errorf("empty key")
	}

	parts := strings.Split(combo, "+")
	name := parts[len(parts)-1]
	if name == "" && len(parts) > 1 { // "Control++"
		name = "+"
	}
	modifiers := 0
	for _, m := range parts[:len(parts)-1] {
		bit, ok := modifierBits[strings.ToLower(m)]
		if !ok {
			if m == "" {
				continue
			}
			return nil, fmt.Errorf("unknown modifier %q in %q", m, combo)
		}
		modifiers |= bit
	}

	def, err := lookupKey(name)
	if err != nil {
		return nil, err
	}
	// Chords with ctrl/alt/meta must not insert their character.
	if modifiers&(1|2|4) != 0 {
		def.text = ""
	}

	downType := proto.InputDispatchKeyEventTypeKeyDown
	if def.text == "" {
		downType = proto.InputDispatchKeyEventTypeRawKeyDown
	}
	down := proto.InputDispatchKeyEvent{
		Type:                  downType,
		Modifiers:             modifiers,
		Key:                   def.key,
		Code:                  def.code,
		WindowsVirtualKeyCode: def.keyCode,
		Text:                  def.text,
		UnmodifiedText:        def.text,
	}
	up := proto.InputDispatchKeyEvent{
		Type:                  proto.InputDispatchKeyEventTypeKeyUp,
		Modifiers:             modifiers,
		Key:                   def.key,
		Code:                  def.code,
		WindowsVirtualKeyCode: def.keyCode,
	}
	return []proto.InputDispatchKeyEvent{down, up}, nil
}

func lookupKey(name string) (keyDef, error) {
	if def, ok := namedKeys[name]; ok {
		return def, nil
	}
	runes := []rune(name)
	if len(runes) != 1 {
		return keyDef{}, fmt.Errorf("unknown key %q", name)
	}
	r := runes[0]
	def := keyDef{key: name, text: name}
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		up := unicode.ToUpper(r)
		def.code = "Key" + string(up)
		def.keyCode = int(up)
	case r >= '0' && r <= '9':
		def.code = "Digit" + name
		def.keyCode = int(r)
	case r == ' ':
		return namedKeys["Space"], nil
	}
	return def, nil
}
