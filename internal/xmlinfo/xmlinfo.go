// Package xmlinfo reads and writes the archive's XML data tail: a
// property bag with per-image names, descriptions, counts and times,
// stored as UTF-16LE XML. Unknown elements inside an image entry are
// kept with their inner XML across a round trip; their attributes, and
// unknown elements outside image entries, are not kept.
package xmlinfo

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidXML is returned when the XML data does not parse.
	ErrInvalidXML = errors.New("xmlinfo: invalid xml data")

	// ErrNameCollision is returned when an image name is already taken.
	ErrNameCollision = errors.New("xmlinfo: image name already in use")

	// ErrNoImage is returned for image indices outside 1..count.
	ErrNoImage = errors.New("xmlinfo: no such image")
)

// Image is the property bag of one image.
type Image struct {
	Name          string
	Description   string
	Flags         string
	DirCount      int64
	FileCount     int64
	TotalBytes    int64
	HardLinkBytes int64

	CreationTime         time.Time
	LastModificationTime time.Time

	// extra holds properties this package does not model, kept so they
	// survive a rewrite.
	extra []rawElement
}

// Info is the archive-level property bag: total archive bytes plus one
// entry per image, in image order.
type Info struct {
	TotalBytes int64
	Images     []*Image
}

// New returns an empty property bag.
func New() *Info {
	return &Info{}
}

// ImageCount returns the number of images.
func (n *Info) ImageCount() int { return len(n.Images) }

// Image returns the 1-based image entry.
func (n *Info) Image(index int) (*Image, error) {
	if index < 1 || index > len(n.Images) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNoImage, index, len(n.Images))
	}
	return n.Images[index-1], nil
}

// ResolveName returns the 1-based index of the image with the given
// name, comparing case-insensitively, or 0 if absent.
func (n *Info) ResolveName(name string) int {
	if name == "" {
		return 0
	}
	for i, img := range n.Images {
		if strings.EqualFold(img.Name, name) {
			return i + 1
		}
	}
	return 0
}

// AddImage appends a new image entry and returns it. A non-empty name
// that is already in use fails with ErrNameCollision.
func (n *Info) AddImage(name, description string) (*Image, error) {
	if name != "" && n.ResolveName(name) != 0 {
		return nil, fmt.Errorf("%w: %q", ErrNameCollision, name)
	}
	now := time.Now().UTC()
	img := &Image{
		Name:                 name,
		Description:          description,
		CreationTime:         now,
		LastModificationTime: now,
	}
	n.Images = append(n.Images, img)
	return img, nil
}

// DeleteImage removes the 1-based image entry. Later images shift down
// by one.
func (n *Info) DeleteImage(index int) error {
	if index < 1 || index > len(n.Images) {
		return fmt.Errorf("%w: index %d of %d", ErrNoImage, index, len(n.Images))
	}
	n.Images = append(n.Images[:index-1], n.Images[index:]...)
	return nil
}

// ExportImage copies the src archive's image entry into n under the
// given name and description, keeping the remaining properties. Empty
// name and description inherit the source's values.
func (n *Info) ExportImage(src *Image, name, description string) (*Image, error) {
	if name == "" {
		name = src.Name
	}
	if description == "" {
		description = src.Description
	}
	if name != "" && n.ResolveName(name) != 0 {
		return nil, fmt.Errorf("%w: %q", ErrNameCollision, name)
	}
	img := *src
	img.Name = name
	img.Description = description
	img.extra = append([]rawElement(nil), src.extra...)
	n.Images = append(n.Images, &img)
	return &img, nil
}

// SetTreeStats records the counters derived from an image's dentry tree
// and bumps the modification time.
func (img *Image) SetTreeStats(dirs, files, totalBytes, hardLinkBytes int64) {
	img.DirCount = dirs
	img.FileCount = files
	img.TotalBytes = totalBytes
	img.HardLinkBytes = hardLinkBytes
	img.LastModificationTime = time.Now().UTC()
}
