package domain

import "strings"

// ResourceSpec is the type-specific portion of a resource declaration.
// Implementations are a closed set; SpecType ties each back to its resource
// type for dispatch at the executor boundary.
type ResourceSpec interface {
	SpecType() ResourceType
}

// TableType distinguishes table flavours.
type TableType string

// Table types.
const (
	TableManaged          TableType = "MANAGED"
	TableExternal         TableType = "EXTERNAL"
	TableView             TableType = "VIEW"
	TableMaterializedView TableType = "MATERIALIZED_VIEW"
	TableStreaming        TableType = "STREAMING_TABLE"
)

// VolumeType distinguishes managed from external volumes.
type VolumeType string

// Volume types.
const (
	VolumeManaged  VolumeType = "MANAGED"
	VolumeExternal VolumeType = "EXTERNAL"
)

// FunctionKind distinguishes scalar from table functions.
type FunctionKind string

// Function kinds.
const (
	FunctionScalar FunctionKind = "SCALAR"
	FunctionTable  FunctionKind = "TABLE"
)

// Column describes a single table column.
type Column struct {
	Name    string
	Type    string
	Comment string
}

// RowFilterSpec binds a filter function to a table directly (the table-level
// strategy; the policy-based strategy lives in ABACPolicy).
type RowFilterSpec struct {
	FunctionName string   // FQN or schema-relative name of the filter function
	InputColumns []string // columns passed to the function, in order
}

// ColumnMaskSpec binds a masking function to a single column.
type ColumnMaskSpec struct {
	ColumnName   string
	FunctionName string
	ExtraColumns []string // additional columns passed after the masked column
}

// TableSpec declares a table.
type TableSpec struct {
	TableType   TableType
	Columns     []Column
	PartitionBy []string
	Properties  map[string]string
	RowFilter   *RowFilterSpec
	ColumnMasks []ColumnMaskSpec
	SourcePath  string // for EXTERNAL tables
	FileFormat  string // for EXTERNAL tables
	ViewQuery   string // for VIEW / MATERIALIZED_VIEW
}

// SpecType implements ResourceSpec.
func (*TableSpec) SpecType() ResourceType { return TypeTable }

// VolumeSpec declares a managed or external volume.
type VolumeSpec struct {
	VolumeType      VolumeType
	StorageLocation string // required for EXTERNAL volumes
}

// SpecType implements ResourceSpec.
func (*VolumeSpec) SpecType() ResourceType { return TypeVolume }

// FunctionSpec declares a SQL function. IsRowFilter/IsColumnMask mark
// functions intended for policy use so the reconciler orders them before the
// policies that reference them.
type FunctionSpec struct {
	Kind         FunctionKind
	Parameters   []FunctionParameter
	ReturnType   string
	Definition   string
	Language     string // SQL when empty
	IsRowFilter  bool
	IsColumnMask bool
}

// FunctionParameter is a single function parameter.
type FunctionParameter struct {
	Name string
	Type string
}

// SpecType implements ResourceSpec.
func (*FunctionSpec) SpecType() ResourceType { return TypeFunction }

// ModelTier classifies registered models by operational criticality. Tier-1
// models treat owner drift as critical.
type ModelTier int

// Model tiers.
const (
	ModelTierNone ModelTier = 0
	ModelTier1    ModelTier = 1
	ModelTier2    ModelTier = 2
	ModelTier3    ModelTier = 3
)

// ModelSpec declares a registered ML model.
type ModelSpec struct {
	Tier    ModelTier
	Stage   string // e.g. "champion", "challenger"
	Lineage map[string]string
}

// SpecType implements ResourceSpec.
func (*ModelSpec) SpecType() ResourceType { return TypeModel }

// SpaceSpec declares a conversational-analytics space referencing tables and
// functions it may query.
type SpaceSpec struct {
	Description   string
	TableRefs     []string // FQNs of tables the space may query
	FunctionRefs  []string // FQNs of functions exposed to the space
	Instructions  string
	WarehouseName string
}

// SpecType implements ResourceSpec.
func (*SpaceSpec) SpecType() ResourceType { return TypeSpace }

// VectorEndpointSpec declares a vector-search endpoint.
type VectorEndpointSpec struct {
	EndpointType string // e.g. "STANDARD"
}

// SpecType implements ResourceSpec.
func (*VectorEndpointSpec) SpecType() ResourceType { return TypeVectorEndpoint }

// VectorIndexSpec declares a vector-search index on a source table.
type VectorIndexSpec struct {
	EndpointName    string
	SourceTable     string // FQN of the source table
	PrimaryKey      string
	EmbeddingColumn string
	SyncMode        string // TRIGGERED or CONTINUOUS
}

// SpecType implements ResourceSpec.
func (*VectorIndexSpec) SpecType() ResourceType { return TypeVectorIndex }

// CredentialProvider identifies the cloud provider of a storage credential.
type CredentialProvider string

// Credential providers.
const (
	CredentialAWS   CredentialProvider = "AWS"
	CredentialAzure CredentialProvider = "AZURE"
	CredentialGCP   CredentialProvider = "GCP"
)

// StorageCredentialSpec declares a storage credential. Only the reference to
// the cloud identity is governed; secret material never passes through the
// engine.
type StorageCredentialSpec struct {
	Provider CredentialProvider
	RoleARN  string // AWS IAM role
	Identity string // Azure managed identity / GCP service account
	ReadOnly bool
}

// SpecType implements ResourceSpec.
func (*StorageCredentialSpec) SpecType() ResourceType { return TypeStorageCredential }

// ExternalLocationSpec declares an external storage location.
type ExternalLocationSpec struct {
	URL            string
	CredentialName string
	ReadOnly       bool
}

// SpecType implements ResourceSpec.
func (*ExternalLocationSpec) SpecType() ResourceType { return TypeExternalLocation }

// ConnectionSpec declares a connection to an external system.
type ConnectionSpec struct {
	ConnectionType string // MYSQL, POSTGRESQL, SNOWFLAKE, ...
	Options        map[string]string
}

// SpecType implements ResourceSpec.
func (*ConnectionSpec) SpecType() ResourceType { return TypeConnection }

// Params is the minimal field set handed to a backend for a create or
// update. Values are scalars, string slices, or nested Params.
type Params map[string]any

// CreateParams produces the minimal record needed to create the resource.
// Fields the backend rejects at creation (column masks, row filters) are
// omitted — those are applied through a secondary path. References cannot be
// created and return a validation error.
func (r *Resource) CreateParams() (Params, error) {
	if r.IsReference {
		return nil, ErrValidation("%s %q is a reference and cannot be created", r.Type, r.Name)
	}

	p := Params{
		"name": r.ResolvedName(),
	}
	if r.Comment != "" {
		p["comment"] = r.Comment
	}
	if owner := r.EffectiveOwner(); owner != nil {
		p["owner"] = owner.ResolvedName()
	}
	if r.parent != nil {
		p["parent"] = r.parent.FQN()
	}
	if loc := r.EffectiveLocation(); loc != "" && r.Type != TypeExternalLocation {
		p["storage_location"] = loc
	}

	switch spec := r.Spec.(type) {
	case *TableSpec:
		tt := spec.TableType
		if tt == "" {
			tt = TableManaged
			if spec.ViewQuery != "" {
				tt = TableView
			}
		}
		p["table_type"] = string(tt)
		cols := make([]Params, 0, len(spec.Columns))
		for _, c := range spec.Columns {
			cp := Params{"name": c.Name, "type": c.Type}
			if c.Comment != "" {
				cp["comment"] = c.Comment
			}
			cols = append(cols, cp)
		}
		p["columns"] = cols
		if len(spec.PartitionBy) > 0 {
			p["partition_by"] = append([]string(nil), spec.PartitionBy...)
		}
		if len(spec.Properties) > 0 {
			p["properties"] = spec.Properties
		}
		if spec.TableType == TableExternal {
			p["source_path"] = spec.SourcePath
			p["file_format"] = spec.FileFormat
		}
		if spec.ViewQuery != "" {
			p["view_query"] = spec.ViewQuery
		}
	case *VolumeSpec:
		vt := spec.VolumeType
		if vt == "" {
			vt = VolumeManaged
		}
		p["volume_type"] = string(vt)
		if spec.StorageLocation != "" {
			p["storage_location"] = spec.StorageLocation
		}
	case *FunctionSpec:
		kind := spec.Kind
		if kind == "" {
			kind = FunctionScalar
		}
		p["function_kind"] = string(kind)
		p["definition"] = spec.Definition
		p["return_type"] = spec.ReturnType
		if len(spec.Parameters) > 0 {
			params := make([]Params, 0, len(spec.Parameters))
			for _, fp := range spec.Parameters {
				params = append(params, Params{"name": fp.Name, "type": fp.Type})
			}
			p["parameters"] = params
		}
	case *ModelSpec:
		if spec.Tier != ModelTierNone {
			p["tier"] = int(spec.Tier)
		}
		if spec.Stage != "" {
			p["stage"] = spec.Stage
		}
	case *SpaceSpec:
		p["description"] = spec.Description
		p["table_refs"] = append([]string(nil), spec.TableRefs...)
		p["function_refs"] = append([]string(nil), spec.FunctionRefs...)
		if spec.WarehouseName != "" {
			p["warehouse"] = spec.WarehouseName
		}
	case *VectorEndpointSpec:
		et := spec.EndpointType
		if et == "" {
			et = "STANDARD"
		}
		p["endpoint_type"] = et
	case *VectorIndexSpec:
		p["endpoint"] = spec.EndpointName
		p["source_table"] = spec.SourceTable
		p["primary_key"] = spec.PrimaryKey
		p["embedding_column"] = spec.EmbeddingColumn
		if spec.SyncMode != "" {
			p["sync_mode"] = spec.SyncMode
		}
	case *StorageCredentialSpec:
		p["provider"] = string(spec.Provider)
		if spec.RoleARN != "" {
			p["role_arn"] = spec.RoleARN
		}
		if spec.Identity != "" {
			p["identity"] = spec.Identity
		}
		p["read_only"] = spec.ReadOnly
	case *ExternalLocationSpec:
		p["url"] = spec.URL
		p["credential_name"] = spec.CredentialName
		p["read_only"] = spec.ReadOnly
	case *ConnectionSpec:
		p["connection_type"] = spec.ConnectionType
		if len(spec.Options) > 0 {
			p["options"] = spec.Options
		}
	}
	return p, nil
}

// UpdateParams produces a record describing only the given changed fields.
// Field paths use the differ's dotted form; only the top-level segment
// selects the parameter.
func (r *Resource) UpdateParams(fields []string) Params {
	full, err := r.CreateParams()
	if err != nil {
		// References still support metadata updates.
		full = Params{"name": r.ResolvedName()}
		if r.Comment != "" {
			full["comment"] = r.Comment
		}
		if owner := r.EffectiveOwner(); owner != nil {
			full["owner"] = owner.ResolvedName()
		}
	}

	p := Params{"name": full["name"]}
	for _, f := range fields {
		top, _, _ := strings.Cut(f, ".")
		if v, ok := full[top]; ok {
			p[top] = v
		}
	}
	return p
}
