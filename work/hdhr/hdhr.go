package hdhr

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"text/template"

	"stream2dvr/work/config"
	"stream2dvr/work/types"
)

// Manufacturer and DeviceAuth are fixed strings DVR clients read back
// verbatim. They identify the emulator, not a real vendor.
const (
	Manufacturer = "stream2dvr"
	DeviceAuth   = "stream2dvr"
)

// DiscoverData is the /discover.json document. Field names are the wire
// contract HDHomeRun clients key on; none of them may change.
type DiscoverData struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	TunerCount      int    `json:"TunerCount"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
}

// LineupStatus is the /lineup_status.json document. The emulator never
// actually scans; clients only need a plausible steady state.
type LineupStatus struct {
	ScanInProgress bool     `json:"ScanInProgress"`
	Progress       int      `json:"Progress"`
	Found          int      `json:"Found"`
	SourceList     []string `json:"SourceList,omitempty"`
}

// LineupEntry is one channel row of /lineup.json and /lineup.xml
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// lineupXML wraps lineup entries for the XML rendition
type lineupXML struct {
	XMLName xml.Name         `xml:"Lineup"`
	Entries []lineupXMLEntry `xml:"Program"`
}

type lineupXMLEntry struct {
	GuideNumber string `xml:"GuideNumber"`
	GuideName   string `xml:"GuideName"`
	URL         string `xml:"URL"`
}

// Device collects everything the discovery surface needs to describe one
// virtual tuner. Handlers assemble it from the station entry plus the
// request host, since BaseURL must reflect the address the client used.
type Device struct {
	FriendlyName string
	UUID         string
	TunerCount   int
	Host         string // host:port the client reached us on
}

// Discover builds the /discover.json document for a device
func Discover(cfg *config.Config, d Device) DiscoverData {
	base := fmt.Sprintf("http://%s", d.Host)
	return DiscoverData{
		FriendlyName:    d.FriendlyName,
		Manufacturer:    Manufacturer,
		ModelNumber:     cfg.DeviceModel,
		FirmwareName:    cfg.DeviceFirmware,
		TunerCount:      d.TunerCount,
		FirmwareVersion: cfg.DeviceVersion,
		DeviceID:        DeviceID(d.UUID),
		DeviceAuth:      DeviceAuth,
		BaseURL:         base,
		LineupURL:       fmt.Sprintf("%s/lineup.json", base),
	}
}

// StatusIdle is the steady-state lineup status: no scan running, a fixed
// plausible progress and channel count, antenna source.
func StatusIdle() LineupStatus {
	return LineupStatus{
		ScanInProgress: false,
		Progress:       50,
		Found:          6,
		SourceList:     []string{"Antenna"},
	}
}

// StatusScanning is the in-scan variant; SourceList is omitted while a
// scan is reported in progress.
func StatusScanning() LineupStatus {
	return LineupStatus{
		ScanInProgress: true,
		Progress:       50,
		Found:          6,
	}
}

// Lineup renders the channel lineup rows for one device. Only active
// channels appear; ordering follows the lineup snapshot, which is already
// guide-number ascending and stable between refreshes.
func Lineup(channels []*types.Channel, host string) []LineupEntry {
	entries := make([]LineupEntry, 0, len(channels))
	for _, c := range channels {
		entries = append(entries, LineupEntry{
			GuideNumber: c.EffectiveNumber(),
			GuideName:   c.Name,
			URL:         fmt.Sprintf("http://%s/watch/%s", host, c.ID),
		})
	}
	return entries
}

// LineupXML renders the XML rendition of the lineup
func LineupXML(w io.Writer, entries []LineupEntry) error {
	doc := lineupXML{Entries: make([]lineupXMLEntry, 0, len(entries))}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, lineupXMLEntry(e))
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Flush()
}

// deviceXMLTemplate is the UPnP description served at / and /device.xml.
// DVR clients parse it to confirm the device type and unique name, so the
// shape stays byte-stable for a given station across restarts.
var deviceXMLTemplate = template.Must(template.New("device").Parse(`<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion>
    <major>1</major>
    <minor>0</minor>
  </specVersion>
  <URLBase>{{.BaseURL}}</URLBase>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <friendlyName>{{.FriendlyName}}</friendlyName>
    <manufacturer>` + Manufacturer + `</manufacturer>
    <modelName>{{.Model}}</modelName>
    <modelNumber>{{.Model}}</modelNumber>
    <serialNumber></serialNumber>
    <UDN>uuid:{{.UUID}}</UDN>
  </device>
</root>
`))

// deviceXMLData feeds the device description template
type deviceXMLData struct {
	BaseURL      string
	FriendlyName string
	Model        string
	UUID         string
}

// DeviceXML renders the UPnP device description for one virtual tuner
func DeviceXML(w io.Writer, cfg *config.Config, d Device) error {
	return deviceXMLTemplate.Execute(w, deviceXMLData{
		BaseURL:      fmt.Sprintf("http://%s", d.Host),
		FriendlyName: d.FriendlyName,
		Model:        cfg.DeviceModel,
		UUID:         d.UUID,
	})
}

// checksumLookup is the nibble table of the HDHomeRun device id scheme
var checksumLookup = [16]uint32{0xA, 0x5, 0xF, 0x6, 0x7, 0xC, 0x1, 0xB, 0x9, 0x2, 0x8, 0xD, 0x4, 0x3, 0xE, 0x0}

// checksum computes the HDHomeRun device id checksum nibble
func checksum(deviceID uint32) uint32 {
	var c uint32
	c ^= checksumLookup[(deviceID>>28)&0xF]
	c ^= (deviceID >> 24) & 0xF
	c ^= checksumLookup[(deviceID>>20)&0xF]
	c ^= (deviceID >> 16) & 0xF
	c ^= checksumLookup[(deviceID>>12)&0xF]
	c ^= (deviceID >> 8) & 0xF
	c ^= checksumLookup[(deviceID>>4)&0xF]
	c ^= deviceID & 0xF
	return c
}

// DeviceID derives the HDHomeRun style device id from a station UUID: the
// first eight hex characters parsed as a 32 bit id, plus its checksum,
// rendered as bare hex. Deterministic for a given UUID, so clients see the
// same device across restarts.
func DeviceID(uuidStr string) string {
	if len(uuidStr) < 8 {
		return "0"
	}
	id64, err := strconv.ParseUint(uuidStr[:8], 16, 32)
	if err != nil {
		return "0"
	}
	id := uint32(id64)
	return strconv.FormatUint(uint64(id+checksum(id)), 16)
}
