package expressify

import (
	"strconv"
	"strings"
)

// DisplayDirective marks a function whose expression statements are routed to the display sink.
const DisplayDirective = "//expressify:display"

// TargetFunction identifies a function to transform.
type TargetFunction struct {
	// FilePath is the full path to the source file.
	FilePath string
	// PackageName is the package containing the function.
	PackageName string
	// FunctionIdent is the fully qualified identifier.
	FunctionIdent string
	// FunctionName is the short function name, or the variable name a function literal is bound to.
	FunctionName string
	// Receiver is the receiver type expression for methods, empty otherwise.
	Receiver string
	// DefLine is the line of the func keyword, zero when unknown.
	DefLine uint32
	// DirectiveLines lists the lines of display directives attached to the function.
	DirectiveLines []uint32
}

// ShortIdent returns the function identifier without path.
func (f TargetFunction) ShortIdent() string {
	index := strings.LastIndex(f.FunctionIdent, "/")
	if index == -1 {
		return f.FunctionIdent
	}
	return f.FunctionIdent[index+1:]
}

// String provides the identifier with the definition line when known.
func (f TargetFunction) String() string {
	if f.DefLine == 0 {
		return f.ShortIdent()
	}
	return f.ShortIdent() + "@" + strconv.Itoa(int(f.DefLine))
}

// DisplayPoint describes one expression statement routed through the display hook.
type DisplayPoint struct {
	// Ordinal is the 1-based lexical position of the statement within the function.
	Ordinal int `msgpack:"o"`
	// Line is the source line of the expression.
	Line uint32 `msgpack:"l"`
	// Column is the source column of the expression.
	Column uint32 `msgpack:"c"`
	// Expr is the source text of the displayed expression.
	Expr string `msgpack:"e"`
	// Values is the number of values the expression yields.
	Values int `msgpack:"v"`
}

// Edit wraps the original source byte range [Start, End) with a display hook call.
type Edit struct {
	Start   int `msgpack:"s"`
	End     int `msgpack:"e"`
	Ordinal int `msgpack:"o"`
}

// RebuiltFunction is the result of transforming a function. It carries everything needed to write the
// rewritten function back into its package.
type RebuiltFunction struct {
	// Target is the resolved handle of the original function.
	Target TargetFunction `msgpack:"t"`
	// Fingerprint is the cache identity of the original function.
	Fingerprint string `msgpack:"f"`
	// IdentPrefix is the collision free prefix of every identifier injected into the package.
	IdentPrefix string `msgpack:"p"`
	// Signature is the signature of the original function, equal to the rewritten one.
	Signature string `msgpack:"g"`
	// PackageDir is the directory of the package the function belongs to.
	PackageDir string `msgpack:"d"`
	// SourceDigest is the hash of the original file content the edits apply to.
	SourceDigest uint64 `msgpack:"h"`
	// Edits are the display wraps in lexical order.
	Edits []Edit `msgpack:"x"`
	// Points describes each wrapped statement, indexed by Ordinal-1.
	Points []DisplayPoint `msgpack:"n"`
	// Source is the rewritten function with points numbered by ordinal.
	Source string `msgpack:"s"`
	// Skipped counts expression statements left untouched because their value count was unknown.
	Skipped int `msgpack:"k"`
}

// Alias returns the identifier of the display hook in the rewritten package.
func (rf *RebuiltFunction) Alias() string {
	return rf.IdentPrefix + displayHookSuffix
}

// PointInfo describes a committed display point, assigned a unique id across all rewritten files.
type PointInfo struct {
	ID            uint32 `json:"id"`
	FunctionIdent string `json:"function"`
	FilePath      string `json:"file"`
	Line          uint32 `json:"line"`
	Expr          string `json:"expr"`
	Values        int    `json:"values"`
}
