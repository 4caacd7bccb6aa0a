package decoder

// decodeText passes plain text through unchanged.
func decodeText(data []byte) (*Document, error) {
	return &Document{Kind: KindText, Content: string(data)}, nil
}
