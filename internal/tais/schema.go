package tais

import "encoding/xml"

// Wire schema of one upstream feed message. Every leaf is decoded as a
// string and coerced later: the feed pads numerics, omits elements freely,
// and uses in-band sentinels, so presence and validity are separate
// questions per field.
type trackMessage struct {
	XMLName xml.Name    `xml:"TATrackAndFlightPlan"`
	Src     string      `xml:"src"`
	Records []recordXML `xml:"record"`
}

// A record carries up to three independent sub-blocks. Position lives in
// track; the plan blocks may arrive with or without it.
type recordXML struct {
	Track        *trackXML    `xml:"track"`
	FlightPlan   *flightXML   `xml:"flightPlan"`
	EnhancedData *enhancedXML `xml:"enhancedData"`
}

type trackXML struct {
	TrackNum           string `xml:"trackNum"`
	Lat                string `xml:"lat"`
	Lon                string `xml:"lon"`
	ReportedBeaconCode string `xml:"reportedBeaconCode"`
	ReportedAltitude   string `xml:"reportedAltitude"`
	VVert              string `xml:"vVert"`
	ACAddress          string `xml:"acAddress"`
	VX                 string `xml:"vx"`
	VY                 string `xml:"vy"`

	// Pointers: an explicit "0" clears the flag, a missing element must not.
	Frozen *string `xml:"frozen"`
	Pseudo *string `xml:"pseudo"`
}

type flightXML struct {
	ACID               string `xml:"acid"`
	ACType             string `xml:"acType"`
	FlightRules        string `xml:"flightRules"`
	EntryFix           string `xml:"entryFix"`
	ExitFix            string `xml:"exitFix"`
	AssignedBeaconCode string `xml:"assignedBeaconCode"`
	RequestedAltitude  string `xml:"requestedAltitude"`
	Runway             string `xml:"runway"`
	ScratchPad1        string `xml:"scratchPad1"`
	ScratchPad2        string `xml:"scratchPad2"`
	CPS                string `xml:"cps"`
	Category           string `xml:"category"`
	EqptSuffix         string `xml:"eqptSuffix"`
	PendingHandoff     string `xml:"pendingHandoff"`
}

type enhancedXML struct {
	DepartureAirport   string `xml:"departureAirport"`
	DestinationAirport string `xml:"destinationAirport"`
}
