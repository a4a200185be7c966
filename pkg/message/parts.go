package message

import "strings"

// NormalizeContentID removes the cid: prefix and angle brackets
func NormalizeContentID(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "cid:")
	contentID = strings.TrimPrefix(contentID, "<")
	return strings.TrimSuffix(contentID, ">")
}

// NewPartInfo creates a PartInfo referencing contentID
func NewPartInfo(contentID string) PartInfo {
	return PartInfo{Href: "cid:" + NormalizeContentID(contentID)}
}

// AddProperty adds a part property
func (p *PartInfo) AddProperty(name, value string) {
	p.Properties = append(p.Properties, Property{Name: name, Value: value})
}

// Property returns the value of the named part property
func (p *PartInfo) Property(name string) string {
	for _, prop := range p.Properties {
		if prop.Name == name {
			return prop.Value
		}
	}
	return ""
}

// SetMimeType sets the MimeType property
func (p *PartInfo) SetMimeType(mimeType string) {
	p.AddProperty(PropertyMimeType, mimeType)
}

// SetCompressionType sets the CompressionType property
func (p *PartInfo) SetCompressionType(compressionType string) {
	p.AddProperty(PropertyCompressionType, compressionType)
}
