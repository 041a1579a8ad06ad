package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/otcheredev/dicom-viewer-core/internal/config"
)

// ErrUnhandledCommand is returned by handlers for commands they do not act on
var ErrUnhandledCommand = errors.New("command not handled")

// Command is one of the closed set of viewer commands
type Command interface {
	// Name returns the configuration name of the command
	Name() string
	isCommand()
}

// NavigateViewport moves the active viewport by Delta slots
type NavigateViewport struct{ Delta int }

// RotateViewport rotates the active viewport by Degrees (positive is clockwise)
type RotateViewport struct{ Degrees int }

// InvertViewport inverts the active viewport's grayscale
type InvertViewport struct{}

// FlipAxis selects the mirror axis of FlipViewport
type FlipAxis string

const (
	FlipHorizontal FlipAxis = "horizontal"
	FlipVertical   FlipAxis = "vertical"
)

// FlipViewport mirrors the active viewport
type FlipViewport struct{ Axis FlipAxis }

// ScaleViewport zooms the active viewport in (Direction 1) or out (-1)
type ScaleViewport struct{ Direction int }

// FitViewport fits the image to the viewport
type FitViewport struct{}

// ResetViewport resets camera and display properties
type ResetViewport struct{}

// NavigateImage scrolls the active viewport by Delta images
type NavigateImage struct{ Delta int }

// NavigateDisplaySet moves the active viewport to another display set
type NavigateDisplaySet struct{ Delta int }

// Tool is an interaction tool name
type Tool string

const (
	ToolZoom         Tool = "Zoom"
	ToolWindowLevel  Tool = "WindowLevel"
	ToolPan          Tool = "Pan"
	ToolCapture      Tool = "Capture"
	ToolLayout       Tool = "Layout"
	ToolCrosshairs   Tool = "Crosshairs"
	ToolAnnotateText Tool = "AnnotateText"
	ToolLength       Tool = "Length"
	ToolProbe        Tool = "Probe"
	ToolStackScroll  Tool = "StackScroll"
)

var tools = map[Tool]bool{
	ToolZoom: true, ToolWindowLevel: true, ToolPan: true, ToolCapture: true,
	ToolLayout: true, ToolCrosshairs: true, ToolAnnotateText: true,
	ToolLength: true, ToolProbe: true, ToolStackScroll: true,
}

// SetToolActive makes Tool the primary interaction tool
type SetToolActive struct{ Tool Tool }

func (c NavigateViewport) Name() string {
	if c.Delta < 0 {
		return "decrementActiveViewport"
	}
	return "incrementActiveViewport"
}

func (c RotateViewport) Name() string {
	if c.Degrees < 0 {
		return "rotateViewportCCW"
	}
	return "rotateViewportCW"
}

func (InvertViewport) Name() string { return "invertViewport" }

func (c FlipViewport) Name() string {
	if c.Axis == FlipVertical {
		return "flipViewportVertical"
	}
	return "flipViewportHorizontal"
}

func (c ScaleViewport) Name() string {
	if c.Direction < 0 {
		return "scaleDownViewport"
	}
	return "scaleUpViewport"
}

func (FitViewport) Name() string   { return "fitViewportToWindow" }
func (ResetViewport) Name() string { return "resetViewport" }

func (c NavigateImage) Name() string {
	if c.Delta < 0 {
		return "previousImage"
	}
	return "nextImage"
}

func (c NavigateDisplaySet) Name() string {
	if c.Delta < 0 {
		return "previousViewportDisplaySet"
	}
	return "nextViewportDisplaySet"
}

func (SetToolActive) Name() string { return "setToolActive" }

func (NavigateViewport) isCommand()   {}
func (RotateViewport) isCommand()     {}
func (InvertViewport) isCommand()     {}
func (FlipViewport) isCommand()       {}
func (ScaleViewport) isCommand()      {}
func (FitViewport) isCommand()        {}
func (ResetViewport) isCommand()      {}
func (NavigateImage) isCommand()      {}
func (NavigateDisplaySet) isCommand() {}
func (SetToolActive) isCommand()      {}

// constructors maps configuration names to variants. Commands needing
// options are built in Parse.
var constructors = map[string]Command{
	"incrementActiveViewport":    NavigateViewport{Delta: 1},
	"decrementActiveViewport":    NavigateViewport{Delta: -1},
	"rotateViewportCW":           RotateViewport{Degrees: 90},
	"rotateViewportCCW":          RotateViewport{Degrees: -90},
	"invertViewport":             InvertViewport{},
	"flipViewportHorizontal":     FlipViewport{Axis: FlipHorizontal},
	"flipViewportVertical":       FlipViewport{Axis: FlipVertical},
	"scaleUpViewport":            ScaleViewport{Direction: 1},
	"scaleDownViewport":          ScaleViewport{Direction: -1},
	"fitViewportToWindow":        FitViewport{},
	"resetViewport":              ResetViewport{},
	"nextImage":                  NavigateImage{Delta: 1},
	"previousImage":              NavigateImage{Delta: -1},
	"nextViewportDisplaySet":     NavigateDisplaySet{Delta: 1},
	"previousViewportDisplaySet": NavigateDisplaySet{Delta: -1},
}

// Parse converts one configured hotkey into a command
func Parse(hk config.Hotkey) (Command, error) {
	if hk.CommandName == "setToolActive" {
		tool := Tool(hk.CommandOptions.ToolName)
		if tool == "" {
			return nil, fmt.Errorf("setToolActive requires command_options.tool_name")
		}
		if !tools[tool] {
			return nil, fmt.Errorf("unknown tool %q", tool)
		}
		return SetToolActive{Tool: tool}, nil
	}

	cmd, ok := constructors[hk.CommandName]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", hk.CommandName)
	}
	if hk.CommandOptions.ToolName != "" {
		return nil, fmt.Errorf("command %q does not take a tool_name", hk.CommandName)
	}
	return cmd, nil
}

// Binding is a parsed hotkey
type Binding struct {
	Label   string
	Keys    []string
	Command Command
}

// Keymap resolves keys to commands
type Keymap struct {
	bindings []Binding
	byKey    map[string]Command
}

// NewKeymap parses every hotkey. Unknown commands, unknown tools and keys
// bound twice are errors.
func NewKeymap(hotkeys []config.Hotkey) (*Keymap, error) {
	km := &Keymap{byKey: make(map[string]Command)}
	for i, hk := range hotkeys {
		cmd, err := Parse(hk)
		if err != nil {
			return nil, fmt.Errorf("hotkeys[%d]: %w", i, err)
		}
		keys := make([]string, 0, len(hk.Keys))
		for _, key := range hk.Keys {
			key = normalizeKey(key)
			if key == "" {
				return nil, fmt.Errorf("hotkeys[%d]: empty key", i)
			}
			if prev, dup := km.byKey[key]; dup {
				return nil, fmt.Errorf("hotkeys[%d]: key %q already bound to %s", i, key, prev.Name())
			}
			km.byKey[key] = cmd
			keys = append(keys, key)
		}
		km.bindings = append(km.bindings, Binding{Label: hk.Label, Keys: keys, Command: cmd})
	}
	return km, nil
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) > 1 {
		return strings.ToLower(key)
	}
	return key
}

// Lookup returns the command bound to key
func (k *Keymap) Lookup(key string) (Command, bool) {
	cmd, ok := k.byKey[normalizeKey(key)]
	return cmd, ok
}

// Bindings returns the parsed hotkeys in configuration order
func (k *Keymap) Bindings() []Binding {
	return append([]Binding(nil), k.bindings...)
}

// Keys lists every bound key in sorted order
func (k *Keymap) Keys() []string {
	keys := make([]string, 0, len(k.byKey))
	for key := range k.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Handler acts on commands. Implementations return ErrUnhandledCommand
// for variants they leave to the host.
type Handler interface {
	HandleViewport(NavigateViewport) error
	HandleDisplaySet(NavigateDisplaySet) error
	HandleImage(NavigateImage) error
	HandleRendering(Command) error
	HandleTool(SetToolActive) error
}

// Dispatch routes a command to the typed handler method
func Dispatch(h Handler, cmd Command) error {
	switch c := cmd.(type) {
	case NavigateViewport:
		return h.HandleViewport(c)
	case NavigateDisplaySet:
		return h.HandleDisplaySet(c)
	case NavigateImage:
		return h.HandleImage(c)
	case SetToolActive:
		return h.HandleTool(c)
	case RotateViewport, InvertViewport, FlipViewport, ScaleViewport, FitViewport, ResetViewport:
		return h.HandleRendering(c)
	}
	return fmt.Errorf("%T: %w", cmd, ErrUnhandledCommand)
}

// DefaultHotkeys returns the stock bindings used when none are configured
func DefaultHotkeys() []config.Hotkey {
	hk := func(name, label string, keys ...string) config.Hotkey {
		return config.Hotkey{CommandName: name, Label: label, Keys: keys}
	}
	tool := func(t Tool, label, key string) config.Hotkey {
		return config.Hotkey{
			CommandName:    "setToolActive",
			Label:          label,
			Keys:           []string{key},
			CommandOptions: config.CommandOptions{ToolName: string(t)},
		}
	}
	return []config.Hotkey{
		hk("incrementActiveViewport", "Next Viewport", "right"),
		hk("decrementActiveViewport", "Previous Viewport", "left"),
		hk("rotateViewportCW", "Rotate Right", "r"),
		hk("rotateViewportCCW", "Rotate Left", "l"),
		hk("invertViewport", "Invert", "i"),
		hk("flipViewportVertical", "Flip Horizontally", "h"),
		hk("flipViewportHorizontal", "Flip Vertically", "v"),
		hk("scaleUpViewport", "Zoom In", "+"),
		hk("scaleDownViewport", "Zoom Out", "-"),
		hk("fitViewportToWindow", "Zoom to Fit", "="),
		hk("resetViewport", "Reset", "space"),
		hk("nextImage", "Next Image", "down"),
		hk("previousImage", "Previous Image", "up"),
		hk("previousViewportDisplaySet", "Previous Series", "pagedown"),
		hk("nextViewportDisplaySet", "Next Series", "pageup"),
		tool(ToolZoom, "Zoom", "z"),
		tool(ToolWindowLevel, "Levels", "w"),
		tool(ToolPan, "Pan", "p"),
		tool(ToolCapture, "Capture", "c"),
		tool(ToolLayout, "Layout", "m"),
		tool(ToolCrosshairs, "Crosshairs", "x"),
		tool(ToolAnnotateText, "Annotate", "t"),
	}
}
