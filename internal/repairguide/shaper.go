package repairguide

import (
	"fmt"
	"math"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// maxExactInteger is the largest magnitude a JSON number can carry without losing integer precision
const maxExactInteger = 1 << 53

// ShapeSearchResults converts a search payload into guide summaries.
// Elements without an integer guide id are omitted and counted in skipped.
// The payload may be a bare array or an object holding a "results" array.
func ShapeSearchResults(raw []byte) (summaries []GuideSummary, skipped int, err error) {
	if !gjson.ValidBytes(raw) {
		return nil, 0, fmt.Errorf("%w: search response is not valid JSON", ErrMalformedPayload)
	}

	root := gjson.ParseBytes(raw)
	list := root
	switch {
	case root.IsArray():
	case root.IsObject():
		list = root.Get("results")
		if !list.IsArray() {
			return nil, 0, fmt.Errorf("%w: search response has no results array", ErrMalformedPayload)
		}
	default:
		return nil, 0, fmt.Errorf("%w: search response is neither an array nor an object", ErrMalformedPayload)
	}

	summaries = make([]GuideSummary, 0)
	for _, item := range list.Array() {
		if !item.IsObject() {
			skipped++
			continue
		}

		id, ok := integerValue(firstPresent(item, "guideid", "guide_id"))
		if !ok {
			skipped++
			continue
		}

		summaries = append(summaries, GuideSummary{
			GuideID:  id,
			Title:    stringValue(item.Get("title")),
			Summary:  stringValue(item.Get("summary")),
			ImageURL: summaryImage(item),
		})
	}

	return summaries, skipped, nil
}

// ShapeRepairDetail converts a guide payload into a RepairDetail.
// A payload without a title is not a guide at all and is rejected.
func ShapeRepairDetail(raw []byte) (RepairDetail, error) {
	if !gjson.ValidBytes(raw) {
		return RepairDetail{}, fmt.Errorf("%w: guide response is not valid JSON", ErrMalformedPayload)
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return RepairDetail{}, fmt.Errorf("%w: guide response is not a JSON object", ErrMalformedPayload)
	}

	title := root.Get("title")
	if !title.Exists() || title.Type == gjson.Null {
		return RepairDetail{}, fmt.Errorf("%w: guide response has no title", ErrMalformedPayload)
	}

	detail := RepairDetail{
		Title:         stringValue(title),
		Difficulty:    stringValue(root.Get("difficulty")),
		ToolsRequired: itemNames(firstPresent(root, "tools", "tools_required")),
		PartsRequired: itemNames(firstPresent(root, "parts", "parts_required")),
		Steps:         shapeSteps(root.Get("steps")),
		URL:           stringValue(root.Get("url")),
		Introduction:  introduction(root),
		TimeRequired:  stringValue(root.Get("time_required")),
	}
	if id, ok := integerValue(firstPresent(root, "guideid", "guide_id")); ok {
		detail.GuideID = id
	}

	return detail, nil
}

func shapeSteps(steps gjson.Result) []Step {
	out := make([]Step, 0)
	if !steps.IsArray() {
		return out
	}

	for _, s := range steps.Array() {
		if !s.IsObject() {
			continue
		}
		step := Step{
			Title:        stringValue(s.Get("title")),
			Instructions: stepInstructions(s),
			Images:       stepImages(s),
		}
		if n, ok := integerValue(s.Get("orderby")); ok {
			step.StepNumber = int(n)
		}
		out = append(out, step)
	}
	return out
}

// stepInstructions joins the raw text of every bullet line.
// Rendered HTML is only used when a line has no raw text.
func stepInstructions(step gjson.Result) string {
	lines := step.Get("lines")
	if lines.IsArray() {
		var parts []string
		for _, line := range lines.Array() {
			text := strings.TrimSpace(stringValue(line.Get("text_raw")))
			if text == "" {
				text = htmlText(stringValue(line.Get("text_rendered")))
			}
			if text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return stringValue(step.Get("instructions"))
}

func stepImages(step gjson.Result) []string {
	images := make([]string, 0)

	data := step.Get("media.data")
	if data.IsArray() {
		for _, m := range data.Array() {
			src := stringValue(firstPresent(m, "standard", "original"))
			if src != "" {
				images = append(images, src)
			}
		}
		return images
	}

	plain := step.Get("images")
	if plain.IsArray() {
		for _, img := range plain.Array() {
			if src := stringValue(img); src != "" {
				images = append(images, src)
			}
		}
	}
	return images
}

// itemNames accepts arrays of strings or of objects naming the item in "text" or "name"
func itemNames(items gjson.Result) []string {
	names := make([]string, 0)
	if !items.IsArray() {
		return names
	}

	for _, item := range items.Array() {
		var name string
		if item.IsObject() {
			name = stringValue(firstPresent(item, "text", "name"))
		} else {
			name = stringValue(item)
		}
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func summaryImage(item gjson.Result) string {
	image := item.Get("image")
	switch {
	case image.IsObject():
		return stringValue(firstPresent(image, "standard", "original"))
	case image.Type == gjson.String:
		return image.Str
	default:
		return stringValue(item.Get("image_url"))
	}
}

func introduction(root gjson.Result) string {
	if rendered := stringValue(root.Get("introduction_rendered")); rendered != "" {
		conv := converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		)
		if markdown, err := conv.ConvertString(rendered); err == nil {
			if markdown = strings.TrimSpace(markdown); markdown != "" {
				return markdown
			}
		}
	}
	return strings.TrimSpace(stringValue(root.Get("introduction_raw")))
}

// htmlText flattens an HTML fragment to its text with collapsed whitespace
func htmlText(fragment string) string {
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// firstPresent returns the first key that exists on obj
func firstPresent(obj gjson.Result, keys ...string) gjson.Result {
	for _, key := range keys {
		if r := obj.Get(key); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// stringValue renders scalars as strings; objects, arrays and null become ""
func stringValue(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number, gjson.True, gjson.False:
		return r.String()
	default:
		return ""
	}
}

func integerValue(r gjson.Result) (int64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	if r.Num != math.Trunc(r.Num) || math.Abs(r.Num) > maxExactInteger {
		return 0, false
	}
	return int64(r.Num), true
}
