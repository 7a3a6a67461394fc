package proto

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"go.uber.org/zap"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/warpgate/warpgate/pkg/errors"
)

// RequestMessageType is the canonical request root in the schema bundle.
const RequestMessageType = "warp.multi_agent.v1.Request"

// essentialFiles is the preferred schema subset; compiling the whole bundle
// drags in conformance-test files that do not link.
var essentialFiles = []string{
	"request.proto",
	"response.proto",
	"task.proto",
	"attachment.proto",
	"file_content.proto",
	"input_context.proto",
	"citations.proto",
}

// excludePatterns filters the fallback full-directory scan.
var excludePatterns = []string{
	"unittest", "test", "sample_messages", "java_features",
	"legacy_features", "descriptor_test",
}

// Field-name scoring for the fallback request-schema autodetection.
var (
	textFieldNames = map[string]bool{
		"text": true, "prompt": true, "query": true,
		"content": true, "message": true, "input": true,
	}
	pathHintBonus = []string{"conversation", "query", "input", "user", "request", "delta"}
)

// Runtime 运行时 protobuf 描述符注册表
// Parses the .proto bundle at startup and resolves message descriptors for
// dynamic encode/decode. Safe for concurrent use after construction.
type Runtime struct {
	logger *zap.Logger
	files  *protoregistry.Files
	names  []string

	schemaOnce sync.Once
	schemaErr  error
	schemaType protoreflect.MessageDescriptor
	schemaPath []protoreflect.FieldDescriptor
}

// NewRuntime parses the schema directory and builds the descriptor registry.
func NewRuntime(protoDir string, logger *zap.Logger) (*Runtime, error) {
	files, err := findProtoFiles(protoDir, logger)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New(errors.CodeInternal, fmt.Sprintf("no .proto found under %s", protoDir))
	}

	parser := protoparse.Parser{
		ImportPaths:           []string{protoDir},
		IncludeSourceCodeInfo: false,
	}
	fds, err := parser.ParseFiles(files...)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "parsing proto files failed", err)
	}

	fdset := desc.ToFileDescriptorSet(fds...)
	registry, err := protodesc.NewFiles(fdset)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "building descriptor registry failed", err)
	}

	rt := &Runtime{logger: logger, files: registry}
	registry.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		collectMessageNames(fd.Messages(), &rt.names)
		return true
	})
	logger.Info("proto runtime loaded",
		zap.Int("files", len(files)),
		zap.Int("messages", len(rt.names)))
	return rt, nil
}

func collectMessageNames(msgs protoreflect.MessageDescriptors, out *[]string) {
	for i := 0; i < msgs.Len(); i++ {
		m := msgs.Get(i)
		*out = append(*out, string(m.FullName()))
		collectMessageNames(m.Messages(), out)
	}
}

// MessageNames returns the fully-qualified names of every loaded message type.
func (rt *Runtime) MessageNames() []string {
	return rt.names
}

// FindMessage resolves a message descriptor by fully-qualified name.
func (rt *Runtime) FindMessage(fullName string) (protoreflect.MessageDescriptor, error) {
	d, err := rt.files.FindDescriptorByName(protoreflect.FullName(fullName))
	if err != nil {
		return nil, errors.Wrap(errors.CodeDecode, fmt.Sprintf("message type %s not found", fullName), err)
	}
	md, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, errors.New(errors.CodeDecode, fmt.Sprintf("%s is not a message type", fullName))
	}
	return md, nil
}

// RequestSchema returns the request root descriptor and the field path to the
// primary user-text field. The canonical path is required; the score-based
// autodetection only runs when the bundle predates the modern layout.
func (rt *Runtime) RequestSchema() (protoreflect.MessageDescriptor, []protoreflect.FieldDescriptor, error) {
	rt.schemaOnce.Do(func() {
		md, path, err := rt.canonicalRequestSchema()
		if err == nil {
			rt.logger.Info("using modern request format",
				zap.String("type", string(md.FullName())),
				zap.String("path", fieldPathString(path)))
			rt.schemaType, rt.schemaPath = md, path
			return
		}
		rt.logger.Warn("modern request format unavailable, autodetecting", zap.Error(err))
		md, path, err = rt.autodetectRequestSchema()
		if err != nil {
			rt.schemaErr = err
			return
		}
		rt.logger.Info("autodetected request schema",
			zap.String("type", string(md.FullName())),
			zap.String("path", fieldPathString(path)))
		rt.schemaType, rt.schemaPath = md, path
	})
	return rt.schemaType, rt.schemaPath, rt.schemaErr
}

func (rt *Runtime) canonicalRequestSchema() (protoreflect.MessageDescriptor, []protoreflect.FieldDescriptor, error) {
	md, err := rt.FindMessage(RequestMessageType)
	if err != nil {
		return nil, nil, err
	}
	pathNames := []string{"input", "user_inputs", "inputs", "user_query", "query"}
	var path []protoreflect.FieldDescriptor
	cur := md
	for _, name := range pathNames {
		fd := cur.Fields().ByName(protoreflect.Name(name))
		if fd == nil {
			return nil, nil, errors.New(errors.CodeInternal,
				fmt.Sprintf("field %q not found on %s", name, cur.FullName()))
		}
		path = append(path, fd)
		if fd.Kind() == protoreflect.MessageKind {
			cur = fd.Message()
		}
	}
	return md, path, nil
}

// autodetectRequestSchema scores every message type by how plausible its
// string fields look as a user-text slot and picks the best candidate.
func (rt *Runtime) autodetectRequestSchema() (protoreflect.MessageDescriptor, []protoreflect.FieldDescriptor, error) {
	var (
		bestMD    protoreflect.MessageDescriptor
		bestPath  []protoreflect.FieldDescriptor
		bestScore = -1
	)
	for _, full := range rt.names {
		md, err := rt.FindMessage(full)
		if err != nil {
			continue
		}
		nameBias := 0
		lname := strings.ToLower(full)
		for _, kw := range []struct {
			word   string
			weight int
		}{
			{"request", 8}, {"multi_agent", 6}, {"multiagent", 6},
			{"chat", 5}, {"client", 2}, {"message", 1}, {"input", 1},
		} {
			if strings.Contains(lname, kw.word) {
				nameBias += kw.weight
			}
		}
		for _, cand := range listTextPaths(md, 6) {
			total := cand.score + nameBias + max(0, 6-len(cand.path))
			if total > bestScore {
				bestMD, bestPath, bestScore = md, cand.path, total
			}
		}
	}
	if bestMD == nil {
		return nil, nil, errors.New(errors.CodeInternal, "could not autodetect request root and text field")
	}
	return bestMD, bestPath, nil
}

type textPath struct {
	path  []protoreflect.FieldDescriptor
	score int
}

func listTextPaths(md protoreflect.MessageDescriptor, maxDepth int) []textPath {
	var out []textPath
	var walk func(cur protoreflect.MessageDescriptor, path []protoreflect.FieldDescriptor, depth int)
	walk = func(cur protoreflect.MessageDescriptor, path []protoreflect.FieldDescriptor, depth int) {
		if depth > maxDepth {
			return
		}
		fields := cur.Fields()
		for i := 0; i < fields.Len(); i++ {
			f := fields.Get(i)
			base := 0
			lname := strings.ToLower(string(f.Name()))
			if textFieldNames[lname] {
				base += 10
			}
			for _, hint := range pathHintBonus {
				if strings.Contains(lname, hint) {
					base += 2
				}
			}
			next := append(append([]protoreflect.FieldDescriptor{}, path...), f)
			switch f.Kind() {
			case protoreflect.StringKind:
				out = append(out, textPath{path: next, score: base + depth})
			case protoreflect.MessageKind:
				walk(f.Message(), next, depth+1)
			}
		}
	}
	walk(md, nil, 0)
	return out
}

func fieldPathString(path []protoreflect.FieldDescriptor) string {
	parts := make([]string, len(path))
	for i, f := range path {
		parts[i] = string(f.Name())
	}
	return strings.Join(parts, ".")
}

// findProtoFiles prefers the essential schema subset and falls back to a
// filtered full scan. Returned paths are relative to the schema directory so
// the parser resolves imports consistently.
func findProtoFiles(protoDir string, logger *zap.Logger) ([]string, error) {
	if _, err := os.Stat(protoDir); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, fmt.Sprintf("proto dir %s not accessible", protoDir), err)
	}

	var found []string
	for _, name := range essentialFiles {
		if _, err := os.Stat(filepath.Join(protoDir, name)); err == nil {
			found = append(found, name)
		}
	}
	if len(found) > 0 {
		return found, nil
	}

	logger.Warn("essential proto files not found, scanning directory", zap.String("dir", protoDir))
	err := filepath.WalkDir(protoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".proto") {
			return err
		}
		lower := strings.ToLower(filepath.Base(path))
		for _, pattern := range excludePatterns {
			if strings.Contains(lower, pattern) {
				return nil
			}
		}
		rel, relErr := filepath.Rel(protoDir, path)
		if relErr != nil {
			return relErr
		}
		found = append(found, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "scanning proto dir failed", err)
	}
	return found, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
