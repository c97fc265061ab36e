package image

// Version is the three-component firmware version carried by an
// IMAGE_INFO TLV entry and by the parameter record's stored slot
// versions, used to gate anti-rollback checks during ImgCheck.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

// U32 packs the version the same way the parameter record stores it on
// flash: major in the top byte, minor in the next, revision in the low
// two bytes.
func (v Version) U32() uint32 {
	return uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Revision)
}

// VersionFromU32 unpacks a packed version field back into its parts.
func VersionFromU32(u uint32) Version {
	return Version{
		Major:    uint8(u >> 24),
		Minor:    uint8(u >> 16),
		Revision: uint16(u),
	}
}

// Less reports whether v is an older version than other, comparing
// major, then minor, then revision in that order.
func (v Version) Less(other Version) bool {
	return v.U32() < other.U32()
}
