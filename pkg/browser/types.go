package browser

// Tab describes an open browser tab.
type Tab struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// Capture is a screenshot of a tab.
type Capture struct {
	Data   []byte
	Format string // "png" or "jpeg"
	Tab    Tab
}

// StatusInfo describes the current browser state.
type StatusInfo struct {
	Running bool   `json:"running"`
	Tabs    int    `json:"tabs"`
	Active  string `json:"active,omitempty"`
	URL     string `json:"url,omitempty"` // active tab URL
}
