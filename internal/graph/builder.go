package graph

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"atelier/internal/domain"
)

// NodeRole is the closed set of node kinds a job graph is assembled from.
type NodeRole string

const (
	RoleCheckpoint     NodeRole = "checkpoint_loader"
	RoleVae            NodeRole = "vae_loader"
	RolePositivePrompt NodeRole = "positive_prompt"
	RoleNegativePrompt NodeRole = "negative_prompt"
	RoleLatent         NodeRole = "empty_latent"
	RoleSampler        NodeRole = "sampler"
	RoleDecode         NodeRole = "decode"
	RoleSave           NodeRole = "save"
)

// Node is one typed vertex of the job graph. Inputs hold scalar settings only;
// connections between nodes live in the edge list.
type Node struct {
	ID     string
	Role   NodeRole
	Class  string
	Inputs map[string]any
}

// Edge connects an output slot of one node to a named input of another.
type Edge struct {
	From       string
	FromOutput int
	To         string
	ToInput    string
}

// JobDescription is the immutable result of one build. It is rendered to the
// backend wire document at submission time.
type JobDescription struct {
	ClientID         string
	CorrelationToken string
	Seeds            []int64
	Nodes            []Node
	Edges            []Edge
}

// Node returns the graph node holding the given role, or nil.
func (j *JobDescription) Node(role NodeRole) *Node {
	for i := range j.Nodes {
		if j.Nodes[i].Role == role {
			return &j.Nodes[i]
		}
	}
	return nil
}

// Document renders the wire form submitted to the backend: node id → class
// plus inputs, with edges folded into [source id, output index] input values.
func (j *JobDescription) Document() map[string]any {
	doc := make(map[string]any, len(j.Nodes))
	for _, n := range j.Nodes {
		inputs := make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = v
		}
		for _, e := range j.Edges {
			if e.To == n.ID {
				inputs[e.ToInput] = []any{e.From, e.FromOutput}
			}
		}
		doc[n.ID] = map[string]any{"class_type": n.Class, "inputs": inputs}
	}
	return doc
}

var tokenMarkerRe = regexp.MustCompile(`\[ref:([0-9a-fA-F-]{36})\]`)

// TokenMarker formats the correlation token as it is embedded in prompt text.
func TokenMarker(token string) string {
	return fmt.Sprintf("[ref:%s]", token)
}

// ExtractToken pulls an embedded correlation token out of free text, returning
// the empty string when none is present.
func ExtractToken(s string) string {
	m := tokenMarkerRe.FindStringSubmatch(s)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

// Builder assembles backend job graphs from generation parameters. It is
// stateless; every call produces fresh node ids so concurrent builds never
// collide.
type Builder struct{}

func NewBuilder() *Builder { return &Builder{} }

// Build validates params and assembles the full text-to-image graph. The
// correlation token is embedded twice, in the positive prompt text and in the
// save node metadata, so it survives backends that rewrite either field. One
// seed is produced per requested image and mirrored onto the sampler and save
// nodes. Build never returns a partial graph.
func (b *Builder) Build(params domain.GenerationParameters, model *domain.ModelInfo, vae *domain.VaeInfo) (*JobDescription, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if model == nil || model.Filename == "" {
		return nil, domain.NewValidationError("model info is required")
	}
	if vae == nil || vae.Filename == "" {
		return nil, domain.NewValidationError("vae info is required")
	}

	seeds, err := buildSeeds(params.Seed, params.BatchSize)
	if err != nil {
		return nil, err
	}
	token := params.CorrelationToken

	ckpt := newNode(RoleCheckpoint, "CheckpointLoaderSimple", map[string]any{
		"ckpt_name": model.Filename,
	})
	vaeNode := newNode(RoleVae, "VAELoader", map[string]any{
		"vae_name": vae.Filename,
	})
	positive := newNode(RolePositivePrompt, "CLIPTextEncode", map[string]any{
		"text": params.Prompt + "\n" + TokenMarker(token),
	})
	negative := newNode(RoleNegativePrompt, "CLIPTextEncode", map[string]any{
		"text": params.NegativePrompt,
	})
	latent := newNode(RoleLatent, "EmptyLatentImage", map[string]any{
		"width":      params.Width,
		"height":     params.Height,
		"batch_size": params.BatchSize,
	})
	sampler := newNode(RoleSampler, "KSampler", map[string]any{
		"seed":      seeds[0],
		"seeds":     seeds,
		"steps":     params.Steps,
		"cfg":       params.GuidanceScale,
		"scheduler": params.Scheduler,
		"denoise":   1.0,
	})
	decode := newNode(RoleDecode, "VAEDecode", nil)
	save := newNode(RoleSave, "SaveImage", map[string]any{
		"filename_prefix":   "atelier_" + token,
		"correlation_token": token,
		"seeds":             seeds,
	})

	edges := []Edge{
		{From: ckpt.ID, FromOutput: 0, To: sampler.ID, ToInput: "model"},
		{From: ckpt.ID, FromOutput: 1, To: positive.ID, ToInput: "clip"},
		{From: ckpt.ID, FromOutput: 1, To: negative.ID, ToInput: "clip"},
		{From: positive.ID, FromOutput: 0, To: sampler.ID, ToInput: "positive"},
		{From: negative.ID, FromOutput: 0, To: sampler.ID, ToInput: "negative"},
		{From: latent.ID, FromOutput: 0, To: sampler.ID, ToInput: "latent_image"},
		{From: sampler.ID, FromOutput: 0, To: decode.ID, ToInput: "samples"},
		{From: vaeNode.ID, FromOutput: 0, To: decode.ID, ToInput: "vae"},
		{From: decode.ID, FromOutput: 0, To: save.ID, ToInput: "images"},
	}

	return &JobDescription{
		ClientID:         uuid.NewString(),
		CorrelationToken: token,
		Seeds:            seeds,
		Nodes:            []Node{ckpt, vaeNode, positive, negative, latent, sampler, decode, save},
		Edges:            edges,
	}, nil
}

func newNode(role NodeRole, class string, inputs map[string]any) Node {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return Node{ID: uuid.NewString(), Role: role, Class: class, Inputs: inputs}
}

// buildSeeds produces one seed per requested image: sequential from an
// explicit seed, independently random otherwise.
func buildSeeds(explicit *int64, count int) ([]int64, error) {
	seeds := make([]int64, count)
	if explicit != nil {
		for i := range seeds {
			seeds[i] = *explicit + int64(i)
		}
		return seeds, nil
	}
	for i := range seeds {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("generate seed: %w", err)
		}
		v := int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63))
		seeds[i] = v
	}
	return seeds, nil
}
