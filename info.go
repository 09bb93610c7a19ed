package wim

import (
	"time"
)

// ImageInfo describes one image for inspection.
type ImageInfo struct {
	Index                int
	Name                 string
	Description          string
	Flags                string
	DirCount             int64
	FileCount            int64
	TotalBytes           int64
	HardLinkBytes        int64
	CreationTime         time.Time
	LastModificationTime time.Time
}

// ArchiveInfo describes an archive for inspection.
type ArchiveInfo struct {
	Path         string
	GUID         string
	Compression  string
	ImageCount   int
	BootIndex    int
	HasIntegrity bool
	TotalBytes   int64
	Images       []ImageInfo
}

// Info summarizes the archive and its images from the header and the
// XML data, without touching any metadata resource.
func (a *Archive) Info() ArchiveInfo {
	ai := ArchiveInfo{
		Path:         a.path,
		GUID:         a.hdr.GUID.String(),
		Compression:  a.codec.String(),
		ImageCount:   len(a.images),
		BootIndex:    int(a.hdr.BootIndex),
		HasIntegrity: a.hdr.HasIntegrity(),
		TotalBytes:   a.info.TotalBytes,
	}
	for i := 1; i <= a.info.ImageCount(); i++ {
		img, err := a.info.Image(i)
		if err != nil {
			break
		}
		ai.Images = append(ai.Images, ImageInfo{
			Index:                i,
			Name:                 img.Name,
			Description:          img.Description,
			Flags:                img.Flags,
			DirCount:             img.DirCount,
			FileCount:            img.FileCount,
			TotalBytes:           img.TotalBytes,
			HardLinkBytes:        img.HardLinkBytes,
			CreationTime:         img.CreationTime,
			LastModificationTime: img.LastModificationTime,
		})
	}
	return ai
}

// ImageName returns the 1-based image's name, empty when unnamed.
func (a *Archive) ImageName(index int) (string, error) {
	img, err := a.info.Image(index)
	if err != nil {
		return "", err
	}
	return img.Name, nil
}

// SetImageName renames the 1-based image. The new name must not
// collide with another image's name, compared case-insensitively.
func (a *Archive) SetImageName(index int, name string) error {
	img, err := a.info.Image(index)
	if err != nil {
		return err
	}
	if name != "" {
		if other := a.info.ResolveName(name); other != 0 && other != index {
			return ErrNameCollision
		}
	}
	img.Name = name
	return nil
}

// SetImageDescription replaces the 1-based image's description.
func (a *Archive) SetImageDescription(index int, desc string) error {
	img, err := a.info.Image(index)
	if err != nil {
		return err
	}
	img.Description = desc
	return nil
}
