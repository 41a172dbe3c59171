package chipdb

import (
	"errors"
	"strings"
	"testing"
)

const header = "model,company,family,capacity_mbit,jedec_id,t4,m4,t32,m32,t64,m64,tp,mp,clk,rd\n"

func TestDefaultDatabase(t *testing.T) {
	db, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	if len(db.Rejected) != 0 {
		t.Error("Built-in database has rejected rows", db.Rejected)
	}

	w := db.Lookup("EF 40 18")
	if len(w) != 1 || w[0].Model != "W25Q128JV" {
		t.Fatal("W25Q128JV not found", w)
	}
	if w[0].EraseSpeedMs != 150 || w[0].ReadSpeedMBps != 5.9 || w[0].MaxClockMHz != 133 {
		t.Error("Wrong values", w[0])
	}
}

func TestLoadRejectsRows(t *testing.T) {
	in := header +
		"GOOD,Acme,A,64,ef 40 17,45,400,120,1600,150,2000,0.4,3,133,5.9\n" +
		"SHORT,Acme,A,64,EF 40 17,45\n" +
		"BADID,Acme,A,64,EF4017,45,400,120,1600,150,2000,0.4,3,133,5.9\n" +
		"BADHEX,Acme,A,64,EF 4G 17,45,400,120,1600,150,2000,0.4,3,133,5.9\n" +
		"ODDSIZE,Acme,A,48,EF 40 17,45,400,120,1600,150,2000,0.4,3,133,5.9\n" +
		"HALF,Acme,A,0.5,EF 40 10,45,400,120,1600,150,2000,0.4,3,133,5.9\n" +
		"\"QUOTED, INC\",Acme,A,8,EF 40 14,45,400,120,1600,150,2000,0.4,3,133,5.9\n"

	db, err := Load(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}

	if len(db.Profiles) != 3 {
		t.Fatal("Expected three accepted rows, got", len(db.Profiles))
	}
	if db.Profiles[0].JEDECID != "EF 40 17" {
		t.Error("JEDEC ID not normalised", db.Profiles[0].JEDECID)
	}
	if db.Profiles[1].CapacityMbit != 0.5 {
		t.Error("Fractional capacity rejected")
	}
	if db.Profiles[2].Model != "QUOTED, INC" {
		t.Error("Quoted field", db.Profiles[2].Model)
	}

	if len(db.Rejected) != 4 {
		t.Fatal("Expected four rejected rows", db.Rejected)
	}
	if db.Rejected[0].Line != 3 {
		t.Error("Wrong line number", db.Rejected[0])
	}
}

func TestLoadEmpty(t *testing.T) {
	db, err := Load(strings.NewReader(header))
	if !errors.Is(err, ErrEmpty) || db == nil {
		t.Error("Expected ErrEmpty", err)
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, m := range []float64{0.5, 1, 2, 64, 1024} {
		if !isPowerOfTwo(m) {
			t.Error("Expected power of two", m)
		}
	}
	for _, m := range []float64{0, -2, 1.5, 3, 48} {
		if isPowerOfTwo(m) {
			t.Error("Not a power of two", m)
		}
	}
}
