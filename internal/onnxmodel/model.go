package onnxmodel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/straja-ai/sentiment/internal/sentiment"
)

// Backend is the backend name reported in metrics and logs.
const Backend = "onnx"

const (
	defaultSeqLen       = 512
	defaultIntraThreads = 1
	defaultInterThreads = 1
)

// Options tunes session creation.
type Options struct {
	SeqLen       int
	Sessions     int
	IntraThreads int
	InterThreads int
	// Truncate drops word pieces past SeqLen instead of failing the call.
	Truncate bool
	// Name overrides the model name reported by ModelName.
	Name   string
	Logger *zap.Logger
}

// Model is a sentiment classifier backed by ONNX Runtime. A pool of sessions
// bounds concurrency; each Classify call holds one session for its duration.
type Model struct {
	name      string
	tokenizer Tokenizer
	labels    []sentiment.Label
	seqLen    int
	truncate  bool
	numLabels int
	log       *zap.Logger

	sessions  chan *session
	poolSize  int
	done      chan struct{}
	closeOnce sync.Once
}

type session struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

type ioSpec struct {
	outputName     string
	outputDims     []int64
	needsTokenType bool
}

// LoadModel initializes the runtime, tokenizer, labels and session pool from dir.
func LoadModel(dir string, opts Options) (*Model, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("model dir is empty")
	}
	if opts.SeqLen <= 0 {
		opts.SeqLen = defaultSeqLen
	}
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}
	if opts.IntraThreads <= 0 {
		opts.IntraThreads = defaultIntraThreads
	}
	if opts.InterThreads <= 0 {
		opts.InterThreads = defaultInterThreads
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	modelPath, err := resolveModelPath(dir)
	if err != nil {
		return nil, err
	}
	tokenizer, err := LoadTokenizerFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	meta, err := loadMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}

	if err := initRuntime(dir); err != nil {
		return nil, err
	}

	spec, err := inspectModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model io: %w", err)
	}
	numLabels := classCount(meta.NumLabels, spec.outputDims)
	labels, err := resolveLabels(meta.RawLabels, numLabels)
	if err != nil {
		return nil, err
	}
	if numLabels != len(labels) {
		return nil, fmt.Errorf("model has %d outputs but %d labels", numLabels, len(labels))
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = meta.Name
	}
	if name == "" {
		name = filepath.Base(filepath.Clean(dir))
	}

	m := &Model{
		name:      name,
		tokenizer: tokenizer,
		labels:    labels,
		seqLen:    opts.SeqLen,
		truncate:  opts.Truncate,
		numLabels: numLabels,
		log:       log,
		sessions:  make(chan *session, opts.Sessions),
		poolSize:  opts.Sessions,
		done:      make(chan struct{}),
	}
	for i := 0; i < opts.Sessions; i++ {
		ss, err := newSession(modelPath, opts.SeqLen, numLabels, spec, opts.IntraThreads, opts.InterThreads)
		if err != nil {
			m.destroyPooled()
			return nil, fmt.Errorf("create onnx session %d/%d: %w", i+1, opts.Sessions, err)
		}
		m.sessions <- ss
	}

	log.Info("onnx model loaded",
		zap.String("model", name),
		zap.String("path", modelPath),
		zap.Int("seq_len", opts.SeqLen),
		zap.Int("sessions", opts.Sessions),
		zap.String("output", spec.outputName),
		zap.Bool("token_type_ids", spec.needsTokenType),
	)
	return m, nil
}

func (m *Model) Backend() string { return Backend }

func (m *Model) ModelName() string {
	if m == nil {
		return ""
	}
	return m.name
}

// Classify scores text and returns the argmax label with its softmax probability.
// ctx is honoured only while waiting for a free session.
func (m *Model) Classify(ctx context.Context, text string) (sentiment.Result, error) {
	if m == nil || m.sessions == nil || m.tokenizer == nil {
		return sentiment.Result{}, sentiment.ErrModelUnavailable
	}

	inputIDs, attn, err := m.tokenizer.Encode(text, m.seqLen, m.truncate)
	if err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, err)
	}

	var ss *session
	select {
	case <-m.done:
		return sentiment.Result{}, sentiment.ErrModelUnavailable
	case <-ctx.Done():
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, fmt.Errorf("waiting for session: %w", ctx.Err()))
	case ss = <-m.sessions:
	}
	defer func() { m.sessions <- ss }()

	copy(ss.inputIDs.GetData(), inputIDs)
	copy(ss.attentionMask.GetData(), attn)
	if ss.tokenTypeIDs != nil {
		clear(ss.tokenTypeIDs.GetData())
	}

	if err := ss.session.Run(); err != nil {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, fmt.Errorf("onnx run: %w", err))
	}

	logits := ss.output.GetData()
	if len(logits) < m.numLabels {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, fmt.Errorf("output has %d values, want %d", len(logits), m.numLabels))
	}
	probs := softmax(logits[:m.numLabels])
	idx := argmax(probs)
	if idx < 0 || math.IsNaN(float64(probs[idx])) {
		return sentiment.Result{}, sentiment.NewInferenceError(Backend, errors.New("model produced no usable scores"))
	}

	if ce := m.log.Check(zap.DebugLevel, "onnx classify"); ce != nil {
		ce.Write(
			zap.Int("tokens", countTokens(attn)),
			zap.Float32s("logits", logits[:m.numLabels]),
			zap.Float32s("probs", probs),
			zap.String("label", string(m.labels[idx])),
		)
	}
	return sentiment.Result{Label: m.labels[idx], Score: float64(probs[idx])}, nil
}

// Warmup runs one inference so the first request does not pay graph initialization.
func (m *Model) Warmup(sample string) (time.Duration, error) {
	start := time.Now()
	if _, err := m.Classify(context.Background(), sample); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close waits for in-flight calls and releases every session. Later calls
// fail with sentiment.ErrModelUnavailable.
func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	m.closeOnce.Do(func() {
		close(m.done)
		for i := 0; i < m.poolSize; i++ {
			errs = append(errs, (<-m.sessions).destroy())
		}
	})
	return errors.Join(errs...)
}

// destroyPooled releases sessions created so far during a failed load.
func (m *Model) destroyPooled() {
	for {
		select {
		case ss := <-m.sessions:
			_ = ss.destroy()
		default:
			return
		}
	}
}

func (s *session) destroy() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
	}
	for _, t := range []*ort.Tensor[int64]{s.inputIDs, s.attentionMask, s.tokenTypeIDs} {
		if t != nil {
			errs = append(errs, t.Destroy())
		}
	}
	if s.output != nil {
		errs = append(errs, s.output.Destroy())
	}
	return errors.Join(errs...)
}

func inspectModel(modelPath string) (ioSpec, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithOptions(modelPath, nil)
	if err != nil {
		return ioSpec{}, err
	}
	spec := ioSpec{}
	for _, in := range inputs {
		if in.Name == "token_type_ids" {
			spec.needsTokenType = true
		}
	}
	if len(outputs) == 0 {
		return spec, errors.New("no outputs found")
	}
	for _, out := range outputs {
		if strings.EqualFold(out.Name, "logits") {
			spec.outputName, spec.outputDims = out.Name, out.Dimensions
			return spec, nil
		}
	}
	if len(outputs) == 1 {
		spec.outputName, spec.outputDims = outputs[0].Name, outputs[0].Dimensions
		return spec, nil
	}
	names := make([]string, 0, len(outputs))
	for _, out := range outputs {
		names = append(names, out.Name)
	}
	return spec, fmt.Errorf("multiple outputs found without logits: %v", names)
}

func newSession(modelPath string, seqLen, numLabels int, spec ioSpec, intraThr, interThr int) (*session, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraThr); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(interThr); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	ss := &session{}
	inputShape := ort.NewShape(1, int64(seqLen))
	if ss.inputIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	if ss.attentionMask, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		_ = ss.destroy()
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	inputNames := []string{"input_ids", "attention_mask"}
	inputValues := []ort.Value{ss.inputIDs, ss.attentionMask}
	if spec.needsTokenType {
		if ss.tokenTypeIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
			_ = ss.destroy()
			return nil, fmt.Errorf("allocate token_type_ids tensor: %w", err)
		}
		inputNames = append(inputNames, "token_type_ids")
		inputValues = append(inputValues, ss.tokenTypeIDs)
	}

	if ss.output, err = ort.NewEmptyTensor[float32](buildOutputShape(spec.outputDims, numLabels)); err != nil {
		_ = ss.destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	outName := spec.outputName
	if outName == "" {
		outName = "logits"
	}
	ss.session, err = ort.NewAdvancedSession(
		modelPath,
		inputNames,
		[]string{outName},
		inputValues,
		[]ort.Value{ss.output},
		opts,
	)
	if err != nil {
		_ = ss.destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return ss, nil
}

// buildOutputShape fills dynamic dims (batch, -1) for a [batch, classes] logits output.
func buildOutputShape(dims []int64, numLabels int) ort.Shape {
	if len(dims) == 0 {
		return ort.NewShape(1, int64(numLabels))
	}
	shape := make([]int64, len(dims))
	for i, v := range dims {
		switch {
		case i == len(dims)-1 && numLabels > 0:
			shape[i] = int64(numLabels)
		case v > 0:
			shape[i] = v
		default:
			shape[i] = 1
		}
	}
	return ort.Shape(shape)
}

func classCount(numLabels int, dims []int64) int {
	if len(dims) > 0 {
		if last := dims[len(dims)-1]; last > 0 {
			return int(last)
		}
	}
	if numLabels > 0 {
		return numLabels
	}
	return 2
}

func softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	out := make([]float32, len(logits))
	for i, v := range logits {
		exp := math.Exp(float64(v - maxVal))
		out[i] = float32(exp)
		sum += exp
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func argmax(values []float32) int {
	best := -1
	for i, v := range values {
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}

func countTokens(attn []int64) int {
	n := 0
	for _, v := range attn {
		if v > 0 {
			n++
		}
	}
	return n
}
