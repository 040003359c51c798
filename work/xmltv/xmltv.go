package xmltv

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"stream2dvr/work/types"
)

// timeLayout is the XMLTV timestamp format. Guide times are kept in UTC,
// so rendered stamps always carry +0000.
const timeLayout = "20060102150405 -0700"

// tvRoot is the <tv> document root
type tvRoot struct {
	XMLName    xml.Name    `xml:"tv"`
	Generator  string      `xml:"generator-info-name,attr"`
	Channels   []channel   `xml:"channel"`
	Programmes []programme `xml:"programme"`
}

type channel struct {
	ID           string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icon         *icon    `xml:"icon"`
}

type icon struct {
	Src string `xml:"src,attr"`
}

type programme struct {
	Start      string      `xml:"start,attr"`
	Stop       string      `xml:"stop,attr"`
	Channel    string      `xml:"channel,attr"`
	Title      string      `xml:"title"`
	Desc       string      `xml:"desc,omitempty"`
	Categories []string    `xml:"category"`
	Episode    *episodeNum `xml:"episode-num"`
}

type episodeNum struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

// ChannelID is the XMLTV channel id for a lineup channel. It matches the
// tvg-id attribute of the M3U export so guide and playlist line up in DVR
// clients.
func ChannelID(c *types.Channel) string {
	return "channel." + c.ID
}

// Render writes the XMLTV document for one channel set and its guide.
// Unlinked guide entries are rendered under synthetic channels named after
// their provider-supplied display name, so below-threshold feeds stay
// visible instead of silently vanishing.
func Render(w io.Writer, channels []*types.Channel, guide *types.Guide) error {
	doc := tvRoot{Generator: "stream2dvr"}

	for _, c := range channels {
		elem := channel{
			ID: ChannelID(c),
			DisplayNames: []string{
				c.EffectiveNumber() + " " + c.EffectiveCallSign(),
				c.EffectiveCallSign(),
				c.Name,
				c.EffectiveNumber(),
			},
		}
		if c.Logo != "" {
			elem.Icon = &icon{Src: c.Logo}
		}
		doc.Channels = append(doc.Channels, elem)

		for _, p := range guide.ForChannel(c.ID) {
			doc.Programmes = append(doc.Programmes, renderProgramme(p, ChannelID(c)))
		}
	}

	appendUnlinked(&doc, guide)

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

// appendUnlinked groups unlinked entries by source name and renders each
// group under a synthetic channel
func appendUnlinked(doc *tvRoot, guide *types.Guide) {
	unlinked := guide.Unlinked()
	if len(unlinked) == 0 {
		return
	}

	bySource := make(map[string][]*types.ProgramEntry)
	for _, p := range unlinked {
		bySource[p.SourceName] = append(bySource[p.SourceName], p)
	}

	names := make([]string, 0, len(bySource))
	for name := range bySource {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		id := fmt.Sprintf("channel.unlinked.%d", i)
		doc.Channels = append(doc.Channels, channel{
			ID:           id,
			DisplayNames: []string{name},
		})
		for _, p := range bySource[name] {
			doc.Programmes = append(doc.Programmes, renderProgramme(p, id))
		}
	}
}

func renderProgramme(p *types.ProgramEntry, channelID string) programme {
	out := programme{
		Start:      p.Start.Format(timeLayout),
		Stop:       p.Stop().Format(timeLayout),
		Channel:    channelID,
		Title:      p.Title,
		Desc:       p.Description,
		Categories: p.Genres,
	}
	if p.Season != "" && p.EpisodeNum != "" {
		out.Episode = &episodeNum{
			System: "onscreen",
			Value:  fmt.Sprintf("S%sE%s", p.Season, p.EpisodeNum),
		}
	}
	return out
}
