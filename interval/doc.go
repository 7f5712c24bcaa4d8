/*Package interval implements the closed, 1-based genomic intervals used to
  address positions of interest.  Chromosome names are stored without a
  "chr" prefix; the alignment and reference packages try both spellings when
  looking a chromosome up.
*/
package interval
