package network_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/network"
	comptesting "github.com/rsprolipsi/compensation/utils/pkg/testing"
)

const export = "\ufeffID,Nome,Login,Indicador,Status\n" +
	"3,Carla Souza,carla,Bruno Lima,ativo\n" +
	"1,RS Prólipsi Empresa,rsprolipsi,RAIZ,ativo\n" +
	"2,Bruno Lima,bruno,rsprolipsi,inativo\n" +
	"4,Diego,diego,Fulano,ativo\n" +
	"2,Bruno Duplicado,bruno2,rsprolipsi,ativo\n"

type recordingSink struct {
	written []genealogy.Participant
	failOn  string
}

func (s *recordingSink) UpsertParticipant(ctx context.Context, p genealogy.Participant) error {
	if p.ID == s.failOn {
		return errors.New("connection reset")
	}
	s.written = append(s.written, p)
	return nil
}

func TestNetwork_ReadCSV(t *testing.T) {
	t.Parallel()

	records, err := network.ReadCSV(strings.NewReader(export))
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, network.Record{ID: "3", Name: "Carla Souza", Login: "carla", Sponsor: "Bruno Lima", Status: genealogy.StatusActive}, records[0])
	require.Equal(t, genealogy.StatusInactive, records[2].Status)

	_, err = network.ReadCSV(strings.NewReader("Nome,Login\nx,y\n"))
	require.ErrorContains(t, err, "ID column is required")

	_, err = network.ReadCSV(strings.NewReader("ID,Nome\n,x\n"))
	require.ErrorContains(t, err, "line 2 has no ID")
}

func TestNetwork_Order_SponsorsFirst(t *testing.T) {
	t.Parallel()

	records, err := network.ReadCSV(strings.NewReader(export))
	require.NoError(t, err)

	ordered, orphans := network.Order(records)
	require.Equal(t, []genealogy.Participant{
		{ID: "1", Status: genealogy.StatusActive},
		{ID: "2", SponsorID: "1", Status: genealogy.StatusInactive},
		{ID: "3", SponsorID: "2", Status: genealogy.StatusActive},
	}, ordered)
	require.Len(t, orphans, 1)
	require.Equal(t, "4", orphans[0].ID)
}

func TestNetwork_Import_WritesEverySink(t *testing.T) {
	t.Parallel()

	records, err := network.ReadCSV(strings.NewReader(export))
	require.NoError(t, err)

	a, b := &recordingSink{}, &recordingSink{}
	res, err := network.Import(t.Context(), comptesting.NewLogger(), records, a, b)
	require.NoError(t, err)
	require.Equal(t, 3, res.Imported)
	require.Len(t, res.Orphans, 1)
	require.Equal(t, a.written, b.written)
}

func TestNetwork_Import_StopsOnError(t *testing.T) {
	t.Parallel()

	records, err := network.ReadCSV(strings.NewReader(export))
	require.NoError(t, err)

	sink := &recordingSink{failOn: "2"}
	res, err := network.Import(t.Context(), comptesting.NewLogger(), records, sink)
	require.ErrorContains(t, err, "failed to import 2")
	require.Equal(t, 1, res.Imported)
	require.Len(t, sink.written, 1)
}
