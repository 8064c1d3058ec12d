// Package ischedulexml encodes and decodes the iSchedule
// schedule-response document. The element shape must round-trip exactly
// for interop with other servers.
package ischedulexml

import (
	"fmt"

	"github.com/beevik/etree"
)

// Namespace is the iSchedule XML namespace.
const Namespace = "urn:ietf:params:xml:ns:ischedule"

// Response is one per-recipient result inside a schedule-response.
type Response struct {
	Recipient     string
	RequestStatus string
	// CalendarData carries serialized free-busy data when present.
	CalendarData string
	// Error names a precondition element, empty when none.
	Error string
	// Description is the optional human-readable response-description.
	Description string
}

// Marshal renders a schedule-response document.
func Marshal(responses []Response) ([]byte, error) {
	doc := etree.NewDocument()
	// Escape CR as &#xD; so calendar data survives XML line-ending
	// normalization on the way back in.
	doc.WriteSettings.CanonicalText = true
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	root := doc.CreateElement("schedule-response")
	root.CreateAttr("xmlns", Namespace)

	for _, r := range responses {
		resp := root.CreateElement("response")
		resp.CreateElement("recipient").SetText(r.Recipient)
		resp.CreateElement("request-status").SetText(r.RequestStatus)
		if r.CalendarData != "" {
			resp.CreateElement("calendar-data").SetText(r.CalendarData)
		}
		if r.Error != "" {
			resp.CreateElement("error").CreateElement(r.Error)
		}
		if r.Description != "" {
			resp.CreateElement("response-description").SetText(r.Description)
		}
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("encode schedule-response: %w", err)
	}
	return out, nil
}

// Parse reads a schedule-response document back into responses.
func Parse(data []byte) ([]Response, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse schedule-response: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "schedule-response" {
		return nil, fmt.Errorf("parse schedule-response: unexpected root element")
	}

	var out []Response
	for _, el := range root.ChildElements() {
		if el.Tag != "response" {
			continue
		}
		var r Response
		for _, child := range el.ChildElements() {
			switch child.Tag {
			case "recipient":
				r.Recipient = textOrHref(child)
			case "request-status":
				r.RequestStatus = child.Text()
			case "calendar-data":
				r.CalendarData = child.Text()
			case "error":
				if inner := child.ChildElements(); len(inner) > 0 {
					r.Error = inner[0].Tag
				}
			case "response-description":
				r.Description = child.Text()
			}
		}
		if r.Recipient == "" {
			return nil, fmt.Errorf("parse schedule-response: response without recipient")
		}
		out = append(out, r)
	}
	return out, nil
}

// textOrHref tolerates peers that wrap the recipient address in a DAV
// style href element.
func textOrHref(el *etree.Element) string {
	if href := el.SelectElement("href"); href != nil {
		return href.Text()
	}
	return el.Text()
}
