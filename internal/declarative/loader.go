package declarative

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"brickkit/internal/convention"
	"brickkit/internal/domain"
)

// SupportedAPIVersion is the accepted apiVersion for governance documents.
const SupportedAPIVersion = "brickkit/v1"

// Load parses one governance document into declared resource roots.
func Load(data []byte) ([]*domain.Resource, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse governance document: %w", err)
	}
	if doc.APIVersion != "" && doc.APIVersion != SupportedAPIVersion {
		return nil, domain.ErrValidation("unsupported apiVersion %q (want %s)", doc.APIVersion, SupportedAPIVersion)
	}

	var roots []*domain.Resource

	for _, cd := range doc.StorageCredentials {
		r, err := buildCredential(cd)
		if err != nil {
			return nil, err
		}
		roots = append(roots, r)
	}
	for _, ld := range doc.ExternalLocations {
		r, err := buildLocation(ld)
		if err != nil {
			return nil, err
		}
		roots = append(roots, r)
	}
	for _, cd := range doc.Connections {
		r, err := buildConnection(cd)
		if err != nil {
			return nil, err
		}
		roots = append(roots, r)
	}
	for _, cd := range doc.Catalogs {
		r, err := buildCatalog(cd)
		if err != nil {
			return nil, err
		}
		roots = append(roots, r)
	}
	return roots, nil
}

// LoadDirectory loads a declaration directory: every *.yaml or *.yml file
// except convention.yaml (or convention.yml) contributes resources; the
// convention, when present, is applied to every loaded root afterward.
func LoadDirectory(dir string) ([]*domain.Resource, *convention.Convention, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var conv *convention.Convention
	var roots []*domain.Resource
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if entry.Name() == "convention.yaml" || entry.Name() == "convention.yml" {
			conv, err = convention.LoadFile(path)
			if err != nil {
				return nil, nil, err
			}
			continue
		}
		data, err := os.ReadFile(path) //nolint:gosec // path from directory listing
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		loaded, err := Load(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		roots = append(roots, loaded...)
	}

	if conv != nil {
		for _, root := range roots {
			if err := conv.ApplyTo(root); err != nil {
				return nil, nil, err
			}
		}
	}
	return roots, conv, nil
}

// === builders ===

func applyCommon(r *domain.Resource, c commonDoc) error {
	if c.Reference {
		r.IsReference = true
		r.AddEnvironmentSuffix = false
	}
	r.Comment = c.Comment
	if c.Owner != nil {
		owner, err := buildPrincipal(*c.Owner)
		if err != nil {
			return fmt.Errorf("%s %q: %w", r.Type, r.Name, err)
		}
		r.Owner = &owner
	}
	for _, t := range c.Tags {
		r.AddTag(t.Key, t.Value)
	}
	for _, g := range c.Grants {
		principal, err := buildPrincipal(g.Principal)
		if err != nil {
			return fmt.Errorf("%s %q: %w", r.Type, r.Name, err)
		}
		privs := make([]domain.Privilege, 0, len(g.Privileges))
		for _, p := range g.Privileges {
			privs = append(privs, domain.Privilege(p))
		}
		if err := r.Grant(principal, privs...); err != nil {
			return err
		}
	}
	if c.IsolationMode != "" {
		switch c.IsolationMode {
		case string(domain.IsolationOpen):
			r.IsolationMode = domain.IsolationOpen
		case string(domain.IsolationIsolated):
			r.IsolationMode = domain.IsolationIsolated
		default:
			return domain.ErrValidation("%s %q: invalid isolation mode %q", r.Type, r.Name, c.IsolationMode)
		}
	}
	for _, b := range c.WorkspaceBindings {
		bt := domain.BindingType(b.BindingType)
		if bt == "" {
			bt = domain.BindingReadWrite
		}
		r.WorkspaceBindings = append(r.WorkspaceBindings, domain.WorkspaceBinding{
			WorkspaceID: b.WorkspaceID,
			BindingType: bt,
		})
	}
	r.StorageLocation = c.StorageLocation
	return nil
}

func buildPrincipal(doc PrincipalDoc) (domain.Principal, error) {
	if doc.Name == "" {
		return domain.Principal{}, domain.ErrValidation("principal name is required")
	}
	var p domain.Principal
	switch doc.Type {
	case "USER", "user":
		p = domain.NewUser(doc.Name)
	case "GROUP", "group":
		p = domain.NewGroup(doc.Name)
	case "SERVICE_PRINCIPAL", "service_principal":
		p = domain.NewServicePrincipal(doc.Name)
	default:
		return domain.Principal{}, domain.ErrValidation("invalid principal type %q", doc.Type)
	}
	if doc.AddEnvironmentSuffix != nil {
		p.AddEnvironmentSuffix = *doc.AddEnvironmentSuffix
	}
	return p, nil
}

func buildCatalog(doc CatalogDoc) (*domain.Resource, error) {
	var catalog *domain.Resource
	if doc.Reference {
		catalog = domain.NewReference(domain.TypeCatalog, doc.Name)
	} else {
		catalog = domain.NewCatalog(doc.Name)
	}
	if err := applyCommon(catalog, doc.commonDoc); err != nil {
		return nil, err
	}
	for _, sd := range doc.Schemas {
		schema, err := buildSchema(sd)
		if err != nil {
			return nil, err
		}
		if err := domain.AttachChild(catalog, schema); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func buildSchema(doc SchemaDoc) (*domain.Resource, error) {
	var schema *domain.Resource
	if doc.Reference {
		schema = domain.NewReference(domain.TypeSchema, doc.Name)
	} else {
		schema = domain.NewSchema(doc.Name)
	}
	if err := applyCommon(schema, doc.commonDoc); err != nil {
		return nil, err
	}

	attach := func(child *domain.Resource, err error) error {
		if err != nil {
			return err
		}
		return domain.AttachChild(schema, child)
	}

	for _, td := range doc.Tables {
		if err := attach(buildTable(td)); err != nil {
			return nil, err
		}
	}
	for _, vd := range doc.Volumes {
		if err := attach(buildVolume(vd)); err != nil {
			return nil, err
		}
	}
	for _, fd := range doc.Functions {
		if err := attach(buildFunction(fd)); err != nil {
			return nil, err
		}
	}
	for _, md := range doc.Models {
		if err := attach(buildModel(md)); err != nil {
			return nil, err
		}
	}
	for _, sd := range doc.Spaces {
		if err := attach(buildSpace(sd)); err != nil {
			return nil, err
		}
	}
	for _, ed := range doc.VectorEndpoints {
		if err := attach(buildVectorEndpoint(ed)); err != nil {
			return nil, err
		}
	}
	for _, id := range doc.VectorIndexes {
		if err := attach(buildVectorIndex(id)); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func buildTable(doc TableDoc) (*domain.Resource, error) {
	spec := domain.TableSpec{
		TableType:   domain.TableType(doc.TableType),
		PartitionBy: doc.PartitionBy,
		Properties:  doc.Properties,
		SourcePath:  doc.SourcePath,
		FileFormat:  doc.FileFormat,
		ViewQuery:   doc.ViewQuery,
	}
	for _, c := range doc.Columns {
		spec.Columns = append(spec.Columns, domain.Column{Name: c.Name, Type: c.Type, Comment: c.Comment})
	}
	if doc.RowFilter != nil {
		spec.RowFilter = &domain.RowFilterSpec{
			FunctionName: doc.RowFilter.Function,
			InputColumns: doc.RowFilter.InputColumns,
		}
	}
	for _, m := range doc.ColumnMasks {
		spec.ColumnMasks = append(spec.ColumnMasks, domain.ColumnMaskSpec{
			ColumnName:   m.Column,
			FunctionName: m.Function,
			ExtraColumns: m.ExtraColumns,
		})
	}

	var table *domain.Resource
	if doc.Reference {
		table = domain.NewReference(domain.TypeTable, doc.Name)
		table.Spec = &spec
	} else {
		table = domain.NewTable(doc.Name, spec)
	}
	return table, applyCommon(table, doc.commonDoc)
}

func buildVolume(doc VolumeDoc) (*domain.Resource, error) {
	spec := domain.VolumeSpec{
		VolumeType:      domain.VolumeType(doc.VolumeType),
		StorageLocation: doc.StorageLocation,
	}
	var volume *domain.Resource
	if doc.Reference {
		volume = domain.NewReference(domain.TypeVolume, doc.Name)
		volume.Spec = &spec
	} else {
		volume = domain.NewVolume(doc.Name, spec)
	}
	return volume, applyCommon(volume, doc.commonDoc)
}

func buildFunction(doc FunctionDoc) (*domain.Resource, error) {
	spec := domain.FunctionSpec{
		Kind:         domain.FunctionKind(doc.Kind),
		ReturnType:   doc.ReturnType,
		Definition:   doc.Definition,
		IsRowFilter:  doc.IsRowFilter,
		IsColumnMask: doc.IsColumnMask,
	}
	for _, p := range doc.Parameters {
		spec.Parameters = append(spec.Parameters, domain.FunctionParameter{Name: p.Name, Type: p.Type})
	}
	fn := domain.NewFunction(doc.Name, spec)
	if doc.Reference {
		fn.IsReference = true
	}
	return fn, applyCommon(fn, doc.commonDoc)
}

func buildModel(doc ModelDoc) (*domain.Resource, error) {
	model := domain.NewModel(doc.Name, domain.ModelSpec{
		Tier:    domain.ModelTier(doc.Tier),
		Stage:   doc.Stage,
		Lineage: doc.Lineage,
	})
	if doc.Reference {
		model.IsReference = true
	}
	return model, applyCommon(model, doc.commonDoc)
}

func buildSpace(doc SpaceDoc) (*domain.Resource, error) {
	space := domain.NewSpace(doc.Name, domain.SpaceSpec{
		Description:   doc.Description,
		TableRefs:     doc.TableRefs,
		FunctionRefs:  doc.FunctionRefs,
		WarehouseName: doc.Warehouse,
	})
	return space, applyCommon(space, doc.commonDoc)
}

func buildVectorEndpoint(doc VectorEndpointDoc) (*domain.Resource, error) {
	ep := domain.NewVectorEndpoint(doc.Name, domain.VectorEndpointSpec{EndpointType: doc.EndpointType})
	return ep, applyCommon(ep, doc.commonDoc)
}

func buildVectorIndex(doc VectorIndexDoc) (*domain.Resource, error) {
	idx := domain.NewVectorIndex(doc.Name, domain.VectorIndexSpec{
		EndpointName:    doc.Endpoint,
		SourceTable:     doc.SourceTable,
		PrimaryKey:      doc.PrimaryKey,
		EmbeddingColumn: doc.EmbeddingColumn,
		SyncMode:        doc.SyncMode,
	})
	return idx, applyCommon(idx, doc.commonDoc)
}

func buildCredential(doc StorageCredentialDoc) (*domain.Resource, error) {
	cred := domain.NewStorageCredential(doc.Name, domain.StorageCredentialSpec{
		Provider: domain.CredentialProvider(doc.Provider),
		RoleARN:  doc.RoleARN,
		Identity: doc.Identity,
		ReadOnly: doc.ReadOnly,
	})
	if doc.Reference {
		cred.IsReference = true
		cred.AddEnvironmentSuffix = false
	}
	return cred, applyCommon(cred, doc.commonDoc)
}

func buildLocation(doc ExternalLocationDoc) (*domain.Resource, error) {
	loc := domain.NewExternalLocation(doc.Name, domain.ExternalLocationSpec{
		URL:            doc.URL,
		CredentialName: doc.Credential,
		ReadOnly:       doc.ReadOnly,
	})
	if doc.Reference {
		loc.IsReference = true
		loc.AddEnvironmentSuffix = false
	}
	return loc, applyCommon(loc, doc.commonDoc)
}

func buildConnection(doc ConnectionDoc) (*domain.Resource, error) {
	conn := domain.NewConnection(doc.Name, domain.ConnectionSpec{
		ConnectionType: doc.ConnectionType,
		Options:        doc.Options,
	})
	if doc.Reference {
		conn.IsReference = true
		conn.AddEnvironmentSuffix = false
	}
	return conn, applyCommon(conn, doc.commonDoc)
}
