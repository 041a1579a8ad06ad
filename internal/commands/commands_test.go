package commands

import (
	"errors"
	"testing"

	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		hotkey  config.Hotkey
		want    Command
		wantErr string
	}{
		{"next viewport", config.Hotkey{CommandName: "incrementActiveViewport"}, NavigateViewport{Delta: 1}, ""},
		{"previous display set", config.Hotkey{CommandName: "previousViewportDisplaySet"}, NavigateDisplaySet{Delta: -1}, ""},
		{"rotate ccw", config.Hotkey{CommandName: "rotateViewportCCW"}, RotateViewport{Degrees: -90}, ""},
		{"flip vertical", config.Hotkey{CommandName: "flipViewportVertical"}, FlipViewport{Axis: FlipVertical}, ""},
		{"tool", config.Hotkey{CommandName: "setToolActive", CommandOptions: config.CommandOptions{ToolName: "Pan"}}, SetToolActive{Tool: ToolPan}, ""},
		{"unknown command", config.Hotkey{CommandName: "explode"}, nil, `unknown command "explode"`},
		{"unknown tool", config.Hotkey{CommandName: "setToolActive", CommandOptions: config.CommandOptions{ToolName: "Laser"}}, nil, `unknown tool "Laser"`},
		{"tool missing", config.Hotkey{CommandName: "setToolActive"}, nil, "requires command_options.tool_name"},
		{"stray tool option", config.Hotkey{CommandName: "nextImage", CommandOptions: config.CommandOptions{ToolName: "Zoom"}}, nil, "does not take a tool_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.hotkey)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.hotkey.CommandName, got.Name())
		})
	}
}

func TestNewKeymap_Defaults(t *testing.T) {
	km, err := NewKeymap(DefaultHotkeys())
	require.NoError(t, err)

	cmd, ok := km.Lookup("PageUp")
	require.True(t, ok)
	assert.Equal(t, NavigateDisplaySet{Delta: 1}, cmd)

	cmd, ok = km.Lookup("z")
	require.True(t, ok)
	assert.Equal(t, SetToolActive{Tool: ToolZoom}, cmd)

	_, ok = km.Lookup("q")
	assert.False(t, ok)

	assert.Len(t, km.Bindings(), len(DefaultHotkeys()))
	assert.Contains(t, km.Keys(), "space")
}

func TestNewKeymap_DuplicateKey(t *testing.T) {
	_, err := NewKeymap([]config.Hotkey{
		{CommandName: "nextImage", Keys: []string{"down"}},
		{CommandName: "previousImage", Keys: []string{"DOWN"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already bound to nextImage")
}

func TestNewKeymap_RejectsUnknown(t *testing.T) {
	_, err := NewKeymap([]config.Hotkey{{CommandName: "toggleCine", Keys: []string{"k"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hotkeys[0]")
}

type recordingHandler struct {
	viewport   []NavigateViewport
	displaySet []NavigateDisplaySet
	rendering  []Command
}

func (h *recordingHandler) HandleViewport(c NavigateViewport) error {
	h.viewport = append(h.viewport, c)
	return nil
}

func (h *recordingHandler) HandleDisplaySet(c NavigateDisplaySet) error {
	h.displaySet = append(h.displaySet, c)
	return nil
}

func (h *recordingHandler) HandleImage(NavigateImage) error { return ErrUnhandledCommand }

func (h *recordingHandler) HandleRendering(c Command) error {
	h.rendering = append(h.rendering, c)
	return ErrUnhandledCommand
}

func (h *recordingHandler) HandleTool(SetToolActive) error { return ErrUnhandledCommand }

func TestDispatch(t *testing.T) {
	h := &recordingHandler{}

	require.NoError(t, Dispatch(h, NavigateViewport{Delta: -1}))
	require.NoError(t, Dispatch(h, NavigateDisplaySet{Delta: 1}))
	assert.Equal(t, []NavigateViewport{{Delta: -1}}, h.viewport)
	assert.Equal(t, []NavigateDisplaySet{{Delta: 1}}, h.displaySet)

	for _, cmd := range []Command{InvertViewport{}, ResetViewport{}, FitViewport{}, ScaleViewport{Direction: 1}} {
		assert.True(t, errors.Is(Dispatch(h, cmd), ErrUnhandledCommand), cmd.Name())
	}
	assert.Len(t, h.rendering, 4)

	assert.ErrorIs(t, Dispatch(h, SetToolActive{Tool: ToolPan}), ErrUnhandledCommand)
	assert.ErrorIs(t, Dispatch(h, NavigateImage{Delta: 1}), ErrUnhandledCommand)
}
