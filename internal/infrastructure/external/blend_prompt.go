package external

import (
	"fmt"
	"strings"

	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
)

const blendObjective = "Create a professional e-commerce fashion photo."

// assembleBlendPrompt renders the instruction for an image model that takes
// the body photo first and the garment photo second.
func assembleBlendPrompt(g *valueobjects.GarmentAttributes, aspectRatio string) string {
	if g == nil {
		g = valueobjects.DefaultGarmentAttributes()
	}

	person := g.Gender()
	if person == "" {
		person = "person"
	}
	possessive := "their"
	switch g.Gender() {
	case "man":
		possessive = "his"
	case "woman":
		possessive = "her"
	}

	target := g.Target()
	detailedTarget := target
	var modifiers []string
	for _, m := range []string{g.Length(), g.Fit(), g.Sleeve()} {
		if m != "" {
			modifiers = append(modifiers, m)
		}
	}
	if len(modifiers) > 0 {
		detailedTarget = strings.Join(modifiers, ", ") + " " + target
	}

	var method, result string
	switch g.How() {
	case "remove":
		method = fmt.Sprintf("removing every original %s", g.Replacement())
		result = fmt.Sprintf("with none of %s original %s remaining.", possessive, g.Replacement())
	case "over":
		method = fmt.Sprintf("putting it naturally over %s original clothing", possessive)
		result = fmt.Sprintf("with %s original clothing.", possessive)
	default:
		method = fmt.Sprintf("replacing it naturally in place of %s original %s", possessive, g.Replacement())
		result = fmt.Sprintf("with none of %s original %s remaining.", possessive, g.Replacement())
	}

	var action strings.Builder
	fmt.Fprintf(&action, "Take the %s from the second image and let the %s from the first image wear it, %s",
		detailedTarget, person, method)
	switch g.Button() {
	case "open":
		fmt.Fprintf(&action, ", while keeping the buttons of the new %s opened.", target)
	case "close":
		fmt.Fprintf(&action, ", while keeping the buttons of the new %s closed.", target)
	default:
		action.WriteString(".")
	}

	switch g.Category() {
	case valueobjects.GarmentCategoryTop, valueobjects.GarmentCategoryOuter, valueobjects.GarmentCategoryOnePiece:
		fmt.Fprintf(&action, "\nEnsure the details such as the number of buttons, pocket position, and stripe count of the %s from the second image completely unchanged.", target)
	default:
		fmt.Fprintf(&action, "\nEnsure the details of the %s from the second image completely unchanged.", target)
	}

	switch {
	case g.Category() == valueobjects.GarmentCategoryTop && g.Tuck() == "in":
		fmt.Fprintf(&action, " Put the new %s into %s pants.", target, possessive)
	case g.Category() == valueobjects.GarmentCategoryTop && g.Tuck() == "out":
		fmt.Fprintf(&action, " Do not put the new %s into %s pants.", target, possessive)
	case g.Category() == valueobjects.GarmentCategoryBottom && g.Tuck() == "in":
		fmt.Fprintf(&action, " Put %s shirt into the new %s.", possessive, target)
	case g.Category() == valueobjects.GarmentCategoryBottom && g.Tuck() == "out":
		fmt.Fprintf(&action, " Do not put %s shirt into the new %s.", possessive, target)
	}

	output := fmt.Sprintf("The final image should be a photorealistic image of the %s wearing the new %s %s",
		person, detailedTarget, result)
	if aspectRatio != "" {
		output += fmt.Sprintf(" Use a %s aspect ratio.", aspectRatio)
	}

	return blendObjective + "\n" + action.String() + "\n" + output
}

// aspectRatio reduces the requested output size, defaulting to square.
func aspectRatio(options *valueobjects.TryOnOptions) string {
	if options == nil || options.OutputWidth() == 0 {
		return "1:1"
	}
	w, h := options.OutputWidth(), options.OutputHeight()
	a, b := w, h
	for b != 0 {
		a, b = b, a%b
	}
	return fmt.Sprintf("%d:%d", w/a, h/a)
}
