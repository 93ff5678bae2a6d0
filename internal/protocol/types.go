package protocol

import "fmt"

// Color is the raw colour carried by a log frame. The wire order is R, G, B, A.
// The alpha byte is kept for callers that serialise it but has no effect on
// rendering.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}

func (c Color) IsBlack() bool {
	return c.R == 0 && c.G == 0 && c.B == 0
}

func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

var White = Color{R: 255, G: 255, B: 255, A: 255}

type LogEvent struct {
	Type    int32
	Level   int32
	Group   string
	Color   Color
	Message string
}
